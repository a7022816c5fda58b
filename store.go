package waveline

import (
	"sort"
	"time"
)

// ============================================================================
// Conversation Store
// ============================================================================

// conversationStore is the in-memory cache for one open conversation: the
// canonical ordered message sequence plus the pagination boundary.
//
// The store is not safe for concurrent use. It is owned exclusively by one
// Session, which serializes every handler touching it; see session.go.
type conversationStore struct {
	conversationID string

	// msgs is strictly ordered by (EffectiveTime, ID) with no duplicate
	// logical message: a confirmed id appears at most once, and a pending
	// entry and the confirmed record that resolves it collapse to one.
	msgs []*Message
	byID map[string]*Message

	oldestCursor *Cursor
	hasMore      bool

	corrWindow time.Duration
	logf       Logger
}

func newConversationStore(conversationID string, corrWindow time.Duration, logf Logger) *conversationStore {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &conversationStore{
		conversationID: conversationID,
		byID:           make(map[string]*Message),
		hasMore:        true,
		corrWindow:     corrWindow,
		logf:           logf,
	}
}

// messageLess is the canonical ordering: effective timestamp, then lexical id
// as a stable deterministic tie-break.
func messageLess(a, b *Message) bool {
	ta, tb := a.EffectiveTime(), b.EffectiveTime()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

// orderedView returns the canonical sequence, oldest first. The slice is a
// copy; the message pointers are shared and must be treated as read-only.
func (s *conversationStore) orderedView() []*Message {
	out := make([]*Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *conversationStore) len() int { return len(s.msgs) }

// insertSorted places m at its ordered position.
func (s *conversationStore) insertSorted(m *Message) {
	idx := sort.Search(len(s.msgs), func(i int) bool {
		return messageLess(m, s.msgs[i])
	})
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[idx+1:], s.msgs[idx:])
	s.msgs[idx] = m
}

func (s *conversationStore) removeAt(idx int) {
	s.msgs = append(s.msgs[:idx], s.msgs[idx+1:]...)
}

func (s *conversationStore) indexOf(m *Message) int {
	for i, cur := range s.msgs {
		if cur == m {
			return i
		}
	}
	return -1
}

// insertOptimistic appends a pending entry created by the send pipeline.
func (s *conversationStore) insertOptimistic(m *Message) {
	s.byID[m.ID] = m
	s.insertSorted(m)
}

// markFailed transitions a pending entry to StatusFailed. It reports whether
// a transition happened, so the failure is surfaced exactly once.
func (s *conversationStore) markFailed(tempID string) bool {
	m, ok := s.byID[tempID]
	if !ok || m.Status != StatusPending {
		return false
	}
	failed := m.clone()
	failed.Status = StatusFailed
	s.replace(m, failed)
	return true
}

// markPending re-arms a failed entry for a user-initiated retry. The entry
// keeps its id, payload, and rendered position.
func (s *conversationStore) markPending(tempID string) bool {
	m, ok := s.byID[tempID]
	if !ok || m.Status != StatusFailed {
		return false
	}
	retried := m.clone()
	retried.Status = StatusPending
	s.replace(m, retried)
	return true
}

// remove drops an entry (discarded send or remote tombstone).
func (s *conversationStore) remove(id string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if idx := s.indexOf(m); idx >= 0 {
		s.removeAt(idx)
	}
	s.recomputeCursor()
	return true
}

// replace swaps old for new in both indexes. The ordering key of a
// status-only change is unchanged, so the slot is preserved.
func (s *conversationStore) replace(old, upd *Message) {
	delete(s.byID, old.ID)
	s.byID[upd.ID] = upd
	if idx := s.indexOf(old); idx >= 0 {
		s.msgs[idx] = upd
	} else {
		s.insertSorted(upd)
	}
}

// matchRecentConfirmed looks for an already-confirmed echo of a compose
// action: same sender, body, and kind with a server timestamp inside the
// correlation window around now. Covers the fast-network edge where the
// confirmation lands before the optimistic insert runs.
func (s *conversationStore) matchRecentConfirmed(senderID string, payload SendPayload, now time.Time) *Message {
	kind := payload.Kind
	if kind == "" {
		kind = KindText
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := s.msgs[i]
		if !m.Confirmed() {
			continue
		}
		if now.Sub(*m.CreatedAt) > s.corrWindow {
			break // ordered sequence: everything older is out of window
		}
		if m.SenderID == senderID && m.Body == payload.Body && m.Kind == kind {
			return m
		}
	}
	return nil
}

// recomputeCursor re-derives the pagination boundary: the oldest confirmed
// message currently loaded.
func (s *conversationStore) recomputeCursor() {
	for _, m := range s.msgs {
		if m.Confirmed() {
			s.oldestCursor = &Cursor{At: *m.CreatedAt, ID: m.ID}
			return
		}
	}
	s.oldestCursor = nil
}

// prependHistory merges an older page beneath the current window,
// deduplicating by id. Returns the number of records added and whether the
// view changed. hasMore is recomputed by the caller from the page size.
func (s *conversationStore) prependHistory(batch []*Message) (added int, changed bool) {
	for _, in := range sortedAscending(batch) {
		if in.ID == "" || in.CreatedAt == nil || in.Deleted {
			continue
		}
		if _, exists := s.byID[in.ID]; exists {
			continue
		}
		m := in.clone()
		m.Status = StatusSent
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		s.byID[m.ID] = m
		s.insertSorted(m)
		added++
		changed = true
	}
	if changed {
		s.recomputeCursor()
	}
	return added, changed
}

// sortedAscending returns a copy of batch ordered oldest first, so merge
// passes are deterministic regardless of wire order (the feed delivers
// newest first).
func sortedAscending(batch []*Message) []*Message {
	out := append([]*Message(nil), batch...)
	sort.SliceStable(out, func(i, j int) bool {
		return messageLess(out[i], out[j])
	})
	return out
}
