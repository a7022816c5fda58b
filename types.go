package waveline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// TransportError indicates a lost or failed connection to the realtime feed
// or the HTTP API. The conversation remains usable with stale data while the
// feed reconnects.
type TransportError struct {
	Op  string // "subscribe", "read", "dial", ...
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError indicates a rejected or timed-out outbound send. It is surfaced
// per message (the pending entry transitions to StatusFailed) and is never
// retried automatically.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// APIResult is the standard response envelope of the Waveline HTTP API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return fmt.Errorf("no data in result")
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// Identity is the authenticated user as reported by GET /api/v1/me.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the payload kind of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindCode   MessageKind = "code"
	KindSystem MessageKind = "system"
)

// MessageStatus is the delivery state of a message in the local view.
type MessageStatus string

const (
	// StatusPending marks an optimistic entry awaiting server confirmation.
	StatusPending MessageStatus = "pending"
	// StatusSent marks a server-confirmed message.
	StatusSent MessageStatus = "sent"
	// StatusFailed marks an optimistic entry whose send was rejected or
	// timed out. Failed entries stay in the view until retried or discarded.
	StatusFailed MessageStatus = "failed"
)

// Attachment is an uploaded media reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single conversation message. Exactly one of the following
// holds: the message carries a server id and a server CreatedAt (confirmed),
// or it carries a locally generated temp id and StatusPending/StatusFailed.
type Message struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversationId"`
	SenderID        string            `json:"senderId"`
	Body            string            `json:"body"`
	Kind            MessageKind       `json:"kind"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	CreatedAt       *time.Time        `json:"createdAt,omitempty"` // server-assigned, nil until confirmed
	ClientCreatedAt time.Time         `json:"clientCreatedAt"`
	Status          MessageStatus     `json:"status"`
	ReplyToID       string            `json:"replyToId,omitempty"`
	Reactions       map[string]string `json:"reactions,omitempty"` // userID -> emoji
	Deleted         bool              `json:"deleted,omitempty"`   // remote tombstone
}

// Confirmed reports whether the message carries a server id.
func (m *Message) Confirmed() bool {
	return m.CreatedAt != nil
}

// EffectiveTime is the ordering timestamp: the server CreatedAt when
// confirmed, the local ClientCreatedAt otherwise.
func (m *Message) EffectiveTime() time.Time {
	if m.CreatedAt != nil {
		return *m.CreatedAt
	}
	return m.ClientCreatedAt
}

// clone returns a copy with its own reactions and attachments. The store
// hands out fresh pointers for changed messages so callers can diff by
// reference.
func (m *Message) clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}

// visiblyEqual reports whether two records render identically. Used to keep
// stable references when a snapshot re-delivers an unchanged document.
func (m *Message) visiblyEqual(o *Message) bool {
	if m.ID != o.ID || m.SenderID != o.SenderID || m.Body != o.Body ||
		m.Kind != o.Kind || m.Status != o.Status || m.ReplyToID != o.ReplyToID ||
		m.Deleted != o.Deleted {
		return false
	}
	if (m.CreatedAt == nil) != (o.CreatedAt == nil) {
		return false
	}
	if m.CreatedAt != nil && !m.CreatedAt.Equal(*o.CreatedAt) {
		return false
	}
	if len(m.Reactions) != len(o.Reactions) {
		return false
	}
	for k, v := range m.Reactions {
		if o.Reactions[k] != v {
			return false
		}
	}
	if len(m.Attachments) != len(o.Attachments) {
		return false
	}
	for i := range m.Attachments {
		if m.Attachments[i] != o.Attachments[i] {
			return false
		}
	}
	return true
}

// SendPayload is the compose input accepted by Session.Send.
type SendPayload struct {
	Body        string       `json:"body"`
	Kind        MessageKind  `json:"kind,omitempty"`
	ReplyToID   string       `json:"replyToId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendReceipt is the server acknowledgement of a write.
type SendReceipt struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Reactions
// ============================================================================

// DefaultReactions is the stock reaction palette.
var DefaultReactions = []string{"👍", "❤️", "😂", "😮", "😢", "🔥", "🎉", "👀"}

// ReactionAggregate is the derived per-emoji rollup of Message.Reactions.
type ReactionAggregate struct {
	Emoji         string `json:"emoji"`
	Count         int    `json:"count"`
	ViewerReacted bool   `json:"viewerReacted"`
}

// AggregateReactions computes the rollup for one message. Results are sorted
// by descending count, ties broken by emoji for a stable render order.
func AggregateReactions(m *Message, viewerID string) []ReactionAggregate {
	if len(m.Reactions) == 0 {
		return nil
	}
	counts := make(map[string]*ReactionAggregate)
	for userID, emoji := range m.Reactions {
		agg := counts[emoji]
		if agg == nil {
			agg = &ReactionAggregate{Emoji: emoji}
			counts[emoji] = agg
		}
		agg.Count++
		if userID == viewerID {
			agg.ViewerReacted = true
		}
	}
	out := make([]ReactionAggregate, 0, len(counts))
	for _, agg := range counts {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

// ============================================================================
// Presence
// ============================================================================

// PresenceRecord is the ephemeral per-conversation presence document. It is
// overwritten wholesale on each remote snapshot and never persisted.
type PresenceRecord struct {
	ConversationID string               `json:"conversationId"`
	Typing         map[string]bool      `json:"typing,omitempty"`   // userID -> typing
	LastSeen       map[string]time.Time `json:"lastSeen,omitempty"` // userID -> last online
}

// TypingPeers returns the ids of participants other than self currently
// typing, sorted for a stable render order.
func (p *PresenceRecord) TypingPeers(selfID string) []string {
	if p == nil {
		return nil
	}
	var peers []string
	for userID, typing := range p.Typing {
		if typing && userID != selfID {
			peers = append(peers, userID)
		}
	}
	sort.Strings(peers)
	return peers
}

// equal compares two presence records field by field. Identical consecutive
// snapshots must not re-notify subscribers (no indicator flicker).
func (p *PresenceRecord) equal(o *PresenceRecord) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ConversationID != o.ConversationID ||
		len(p.Typing) != len(o.Typing) || len(p.LastSeen) != len(o.LastSeen) {
		return false
	}
	for k, v := range p.Typing {
		if o.Typing[k] != v {
			return false
		}
	}
	for k, v := range p.LastSeen {
		if !o.LastSeen[k].Equal(v) {
			return false
		}
	}
	return true
}

// ============================================================================
// Threads
// ============================================================================

// Thread is one entry of the conversation list.
type Thread struct {
	ID           string     `json:"id"`
	Title        string     `json:"title,omitempty"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	LastBody     string     `json:"lastBody,omitempty"`
	LastSenderID string     `json:"lastSenderId,omitempty"`
	LastAt       *time.Time `json:"lastAt,omitempty"`
	UnreadCount  int        `json:"unreadCount"`
}

// ============================================================================
// Cursors
// ============================================================================

// Cursor is a stable pagination reference: the server timestamp and id of
// the oldest confirmed message loaded so far.
type Cursor struct {
	At time.Time
	ID string
}
