package waveline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("waveline: session closed")

// ============================================================================
// Options
// ============================================================================

// FeedTransport selects the change feed mechanism for a session.
type FeedTransport string

const (
	TransportWebSocket FeedTransport = "websocket"
	TransportSSE       FeedTransport = "sse"
)

// SessionOptions tunes one open conversation.
type SessionOptions struct {
	// CorrelationWindow bounds optimistic-entry matching: a confirmed record
	// resolves a pending entry only when their timestamps are this close.
	CorrelationWindow time.Duration
	// SendTimeout is how long a pending entry may wait for confirmation
	// before it transitions to StatusFailed.
	SendTimeout time.Duration
	// TypingIdle is the quiet period after which an outbound typing=true is
	// cleared.
	TypingIdle time.Duration
	// HistoryPageSize is the LoadOlder page size.
	HistoryPageSize int

	Transport FeedTransport
	Feed      *FeedConfig

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

func (o *SessionOptions) defaults() {
	if o.CorrelationWindow == 0 {
		o.CorrelationWindow = 30 * time.Second
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 45 * time.Second
	}
	if o.TypingIdle == 0 {
		o.TypingIdle = 2 * time.Second
	}
	if o.HistoryPageSize == 0 {
		o.HistoryPageSize = 50
	}
	if o.Transport == "" {
		o.Transport = TransportWebSocket
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// Pending-send queue
// ============================================================================

// PendingSend is a queued outbound write awaiting confirmation.
type PendingSend struct {
	TempID   string
	Payload  SendPayload
	Attempt  int
	QueuedAt time.Time
	LastErr  error
}

// ============================================================================
// Session
// ============================================================================

// Session is one open conversation. It owns the local store, the change feed
// subscription, the pending-send queue, and the typing tracker.
//
// All handlers for a session — snapshot arrival, user actions, timer fires —
// are serialized: no two of them run concurrently, and they run in the order
// their triggering events arrived. Deferred callbacks re-check the session's
// generation before touching the store, so a late callback can never mutate
// a torn-down session.
type Session struct {
	client         *Client
	conversationID string
	self           Identity
	opts           SessionOptions

	mu         sync.Mutex
	generation uint64
	closed     bool
	store      *conversationStore
	feed       FeedHandle
	pending    map[string]*PendingSend
	presence   *PresenceRecord
	feedState  FeedState

	viewSubs     []func()
	presenceSubs []func(*PresenceRecord)
	stateSubs    []func(FeedState)

	typing    *typingTracker
	sweepStop chan struct{}
	loading   bool
}

// NewSession creates a detached session: no feed subscription is opened, and
// snapshots are applied by the caller via ApplyRemoteSnapshot (webhook-driven
// delivery, replays, tests). Use OpenConversation for the live engine.
func NewSession(client *Client, conversationID string, self Identity, opts *SessionOptions) *Session {
	o := SessionOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()

	s := &Session{
		client:         client,
		conversationID: conversationID,
		self:           self,
		opts:           o,
		store:          newConversationStore(conversationID, o.CorrelationWindow, client.logf),
		pending:        make(map[string]*PendingSend),
		feedState:      FeedDisconnected,
		sweepStop:      make(chan struct{}),
	}
	s.typing = newTypingTracker(func(ctx context.Context, typing bool) error {
		return client.WritePresence(ctx, conversationID, typing)
	}, o.TypingIdle, client.logf)

	go s.sweepLoop()
	return s
}

// OpenConversation resolves the caller's identity, opens a live change feed
// subscription for the conversation, and returns the running session.
func (c *Client) OpenConversation(ctx context.Context, conversationID string, opts *SessionOptions) (*Session, error) {
	me, err := c.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	s := NewSession(c, conversationID, *me, opts)
	if err := s.connectFeed(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) connectFeed(ctx context.Context) error {
	handlers := FeedHandlers{
		OnSnapshot: s.ApplyRemoteSnapshot,
		OnPresence: s.ApplyPresence,
		OnError:    func(err error) { s.client.logf("feed %s: %v", s.conversationID, err) },
		OnState:    s.onFeedState,
	}

	cfg := s.opts.Feed
	if cfg == nil {
		cfg = &FeedConfig{AutoReconnect: true}
	}

	var feed FeedHandle
	switch s.opts.Transport {
	case TransportSSE:
		feed = s.client.SubscribeSSE(s.conversationID, cfg, handlers)
	default:
		feed = s.client.SubscribeWS(s.conversationID, cfg, handlers)
	}

	if err := feed.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
	return nil
}

// Self returns the local identity the session stamps optimistic entries with.
func (s *Session) Self() Identity { return s.self }

// ConversationID returns the conversation this session is bound to.
func (s *Session) ConversationID() string { return s.conversationID }

// Close tears the session down: the feed subscription is detached, timers
// are cancelled, and any deferred callback still in flight becomes a no-op.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	feed := s.feed
	s.feed = nil
	close(s.sweepStop)
	s.mu.Unlock()

	s.typing.stop()
	if feed != nil {
		return feed.Close()
	}
	return nil
}

// ============================================================================
// View access
// ============================================================================

// OrderedView returns the canonical message sequence, oldest first. Message
// pointers are stable across calls for unchanged messages; treat them as
// read-only.
func (s *Session) OrderedView() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.orderedView()
}

// HasMoreHistory reports whether older pages remain to be loaded.
func (s *Session) HasMoreHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.hasMore
}

// Presence returns the latest presence snapshot, or nil before the first one
// arrives. Read-only.
func (s *Session) Presence() *PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// TypingPeers returns ids of participants other than self currently typing.
func (s *Session) TypingPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.TypingPeers(s.self.ID)
}

// FeedState returns the change feed connection state, for a "reconnecting"
// indicator.
func (s *Session) FeedState() FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedState
}

// PendingSends returns a snapshot of the outbound queue.
func (s *Session) PendingSends() []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingSend, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	return out
}

// OnViewChanged registers a callback fired whenever the canonical view
// actually changes (new, resolved, failed, or edited messages). Redundant
// snapshots do not fire it.
func (s *Session) OnViewChanged(fn func()) {
	s.mu.Lock()
	s.viewSubs = append(s.viewSubs, fn)
	s.mu.Unlock()
}

// OnPresenceChanged registers a callback fired when the presence snapshot
// changes. Identical consecutive snapshots do not fire it.
func (s *Session) OnPresenceChanged(fn func(*PresenceRecord)) {
	s.mu.Lock()
	s.presenceSubs = append(s.presenceSubs, fn)
	s.mu.Unlock()
}

// OnFeedStateChanged registers a callback for connection state transitions.
func (s *Session) OnFeedStateChanged(fn func(FeedState)) {
	s.mu.Lock()
	s.stateSubs = append(s.stateSubs, fn)
	s.mu.Unlock()
}

func (s *Session) notifyView() {
	s.mu.Lock()
	subs := append([]func(){}, s.viewSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// ============================================================================
// Remote input
// ============================================================================

// ApplyRemoteSnapshot merges a snapshot batch into the store and resolves
// any pending entries the batch confirms. This is the feed subscription's
// entry point; it is exported so webhook-driven delivery and replays can
// drive a detached session through the same reconciliation path.
func (s *Session) ApplyRemoteSnapshot(batch []*Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed, resolved := s.store.applySnapshot(batch)
	for _, tempID := range resolved {
		delete(s.pending, tempID)
	}
	s.mu.Unlock()

	if changed {
		s.notifyView()
	}
}

// ApplyPresence replaces the presence snapshot. No-op when the new snapshot
// equals the current one, so a steady remote typing flag never flickers.
func (s *Session) ApplyPresence(rec *PresenceRecord) {
	s.mu.Lock()
	if s.closed || rec.equal(s.presence) {
		s.mu.Unlock()
		return
	}
	s.presence = rec
	subs := append([]func(*PresenceRecord){}, s.presenceSubs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
}

func (s *Session) onFeedState(state FeedState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.feedState = state
	subs := append([]func(FeedState){}, s.stateSubs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// ============================================================================
// Outbound send pipeline
// ============================================================================

// Send inserts an optimistic entry synchronously and dispatches the write in
// the background. The returned temp id correlates the entry through
// confirmation, failure, Retry, and Discard.
//
// If the confirmed echo of this exact compose action is already in the store
// (fast network: confirmation raced ahead of the optimistic insert), no new
// entry is created and the confirmed id is returned.
func (s *Session) Send(payload SendPayload) (string, error) {
	if payload.Kind == "" {
		payload.Kind = KindText
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	now := s.opts.Now()

	if echo := s.store.matchRecentConfirmed(s.self.ID, payload, now); echo != nil {
		s.mu.Unlock()
		return echo.ID, nil
	}

	tempID := "local-" + uuid.NewString()
	msg := &Message{
		ID:              tempID,
		ConversationID:  s.conversationID,
		SenderID:        s.self.ID,
		Body:            payload.Body,
		Kind:            payload.Kind,
		Attachments:     payload.Attachments,
		ReplyToID:       payload.ReplyToID,
		ClientCreatedAt: now,
		Status:          StatusPending,
	}
	s.store.insertOptimistic(msg)
	s.pending[tempID] = &PendingSend{
		TempID:   tempID,
		Payload:  payload,
		Attempt:  1,
		QueuedAt: now,
	}
	gen := s.generation
	s.mu.Unlock()

	s.notifyView()
	s.typing.clear() // sending ends the typing burst

	go s.dispatchSend(gen, tempID, payload)
	return tempID, nil
}

// dispatchSend performs the remote write. On success the entry is left
// pending: the reconciler is the single writer of confirmed state and will
// supersede it on the next snapshot. On failure the entry is marked failed.
func (s *Session) dispatchSend(gen uint64, tempID string, payload SendPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
	defer cancel()

	_, err := s.client.PostMessage(ctx, s.conversationID, payload)
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	changed := false
	if p := s.pending[tempID]; p != nil {
		p.LastErr = &SendError{TempID: tempID, Err: err}
		changed = s.store.markFailed(tempID)
	}
	s.mu.Unlock()

	if changed {
		s.notifyView()
	}
}

// Retry re-attempts a failed send with the same payload and the same temp
// id. User-initiated only; the engine never retries automatically because
// the write API offers no idempotency keys and a duplicate send is worse
// than a failed bubble.
func (s *Session) Retry(tempID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	p := s.pending[tempID]
	if p == nil {
		s.mu.Unlock()
		return fmt.Errorf("no pending send %s", tempID)
	}
	if !s.store.markPending(tempID) {
		s.mu.Unlock()
		return fmt.Errorf("send %s is not in a failed state", tempID)
	}
	p.Attempt++
	p.QueuedAt = s.opts.Now()
	p.LastErr = nil
	payload := p.Payload
	gen := s.generation
	s.mu.Unlock()

	s.notifyView()
	go s.dispatchSend(gen, tempID, payload)
	return nil
}

// Discard removes a failed (or still pending) optimistic entry.
func (s *Session) Discard(tempID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	_, known := s.pending[tempID]
	delete(s.pending, tempID)
	changed := s.store.remove(tempID)
	s.mu.Unlock()

	if !known && !changed {
		return fmt.Errorf("no pending send %s", tempID)
	}
	if changed {
		s.notifyView()
	}
	return nil
}

// ============================================================================
// Send-timeout sweep
// ============================================================================

func (s *Session) sweepLoop() {
	interval := s.opts.SendTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepPending(s.opts.Now())
		}
	}
}

// sweepPending fails pending entries older than the send timeout. Each entry
// transitions at most once; the entry stays in the view for retry or
// discard, never silently dropped.
func (s *Session) sweepPending(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for tempID, p := range s.pending {
		if now.Sub(p.QueuedAt) <= s.opts.SendTimeout {
			continue
		}
		if s.store.markFailed(tempID) {
			p.LastErr = &SendError{TempID: tempID, Err: errors.New("confirmation timeout")}
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyView()
	}
}

// ============================================================================
// Typing
// ============================================================================

// SetTyping reports local compose activity. The first call of a burst writes
// typing=true immediately; the flag clears after the idle window, on Send,
// or on an explicit SetTyping(false).
func (s *Session) SetTyping(typing bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if typing {
		s.typing.touch()
	} else {
		s.typing.clear()
	}
}
