package waveline

import (
	"testing"
	"time"
)

// ============================================================================
// Test helpers
// ============================================================================

var testBase = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

// confirmed builds a server-confirmed message offset from the test base time.
func confirmed(id, senderID, body string, offset time.Duration) *Message {
	at := testBase.Add(offset)
	return &Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       senderID,
		Body:           body,
		Kind:           KindText,
		CreatedAt:      &at,
		Status:         StatusSent,
	}
}

// pendingMsg builds an optimistic entry offset from the test base time.
func pendingMsg(tempID, senderID, body string, offset time.Duration) *Message {
	return &Message{
		ID:              tempID,
		ConversationID:  "conv-1",
		SenderID:        senderID,
		Body:            body,
		Kind:            KindText,
		ClientCreatedAt: testBase.Add(offset),
		Status:          StatusPending,
	}
}

func newTestStore() *conversationStore {
	return newConversationStore("conv-1", 30*time.Second, nil)
}

func viewIDs(s *conversationStore) []string {
	view := s.orderedView()
	ids := make([]string, len(view))
	for i, m := range view {
		ids[i] = m.ID
	}
	return ids
}

func assertIDs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("view = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("view = %v, want %v", got, want)
		}
	}
}

// ============================================================================
// Ordering
// ============================================================================

func TestStoreOrdering(t *testing.T) {
	t.Run("sorts by effective time", func(t *testing.T) {
		s := newTestStore()
		s.insertOptimistic(pendingMsg("local-c", "u1", "third", 20*time.Second))
		s.applySnapshot([]*Message{
			confirmed("m2", "u2", "second", 10*time.Second),
			confirmed("m1", "u2", "first", 0),
		})

		assertIDs(t, viewIDs(s), []string{"m1", "m2", "local-c"})
	})

	t.Run("equal timestamps break ties by id", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{
			confirmed("mB", "u1", "b", 0),
			confirmed("mA", "u2", "a", 0),
		})

		assertIDs(t, viewIDs(s), []string{"mA", "mB"})
	})

	t.Run("pending entry uses client timestamp", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{confirmed("m1", "u2", "hi", 5 * time.Second)})
		s.insertOptimistic(pendingMsg("local-a", "u1", "reply", 2*time.Second))

		assertIDs(t, viewIDs(s), []string{"local-a", "m1"})
	})
}

// ============================================================================
// Status transitions
// ============================================================================

func TestStoreMarkFailed(t *testing.T) {
	s := newTestStore()
	s.insertOptimistic(pendingMsg("local-a", "u1", "hi", 0))

	if !s.markFailed("local-a") {
		t.Fatal("first markFailed should transition")
	}
	if s.byID["local-a"].Status != StatusFailed {
		t.Errorf("status = %s, want %s", s.byID["local-a"].Status, StatusFailed)
	}
	if s.markFailed("local-a") {
		t.Error("second markFailed should be a no-op")
	}
	if s.markFailed("unknown") {
		t.Error("markFailed on unknown id should be a no-op")
	}
}

func TestStoreMarkPending(t *testing.T) {
	s := newTestStore()
	s.insertOptimistic(pendingMsg("local-a", "u1", "hi", 0))

	if s.markPending("local-a") {
		t.Error("markPending should reject an entry that is not failed")
	}
	s.markFailed("local-a")
	if !s.markPending("local-a") {
		t.Fatal("markPending should re-arm a failed entry")
	}
	if s.byID["local-a"].Status != StatusPending {
		t.Errorf("status = %s, want %s", s.byID["local-a"].Status, StatusPending)
	}
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore()
	s.applySnapshot([]*Message{
		confirmed("m1", "u1", "a", 0),
		confirmed("m2", "u1", "b", time.Second),
	})

	if !s.remove("m1") {
		t.Fatal("remove should report success")
	}
	assertIDs(t, viewIDs(s), []string{"m2"})
	if s.remove("m1") {
		t.Error("second remove should be a no-op")
	}
	if s.oldestCursor == nil || s.oldestCursor.ID != "m2" {
		t.Errorf("cursor not recomputed after remove: %+v", s.oldestCursor)
	}
}

// ============================================================================
// Fast-confirmation match
// ============================================================================

func TestStoreMatchRecentConfirmed(t *testing.T) {
	now := testBase.Add(time.Minute)

	t.Run("matches recent echo", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{confirmed("m1", "u1", "hello", 55 * time.Second)})

		got := s.matchRecentConfirmed("u1", SendPayload{Body: "hello"}, now)
		if got == nil || got.ID != "m1" {
			t.Fatalf("matchRecentConfirmed = %v, want m1", got)
		}
	})

	t.Run("ignores old messages", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{confirmed("m1", "u1", "hello", 0)})

		if got := s.matchRecentConfirmed("u1", SendPayload{Body: "hello"}, now); got != nil {
			t.Fatalf("matchRecentConfirmed = %v, want nil for out-of-window message", got)
		}
	})

	t.Run("ignores other senders and bodies", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{confirmed("m1", "u2", "hello", 55 * time.Second)})

		if got := s.matchRecentConfirmed("u1", SendPayload{Body: "hello"}, now); got != nil {
			t.Fatalf("matched a message from a different sender: %v", got)
		}
		if got := s.matchRecentConfirmed("u2", SendPayload{Body: "other"}, now); got != nil {
			t.Fatalf("matched a message with a different body: %v", got)
		}
	})
}

// ============================================================================
// History pagination
// ============================================================================

func TestStorePrependHistory(t *testing.T) {
	s := newTestStore()
	s.applySnapshot([]*Message{
		confirmed("m3", "u1", "live", 30 * time.Second),
	})

	added, changed := s.prependHistory([]*Message{
		confirmed("m2", "u2", "older", 10*time.Second),
		confirmed("m1", "u1", "oldest", 0),
		confirmed("m3", "u1", "live", 30*time.Second), // overlap with live window
	})
	if added != 2 || !changed {
		t.Fatalf("prependHistory = (%d, %v), want (2, true)", added, changed)
	}
	assertIDs(t, viewIDs(s), []string{"m1", "m2", "m3"})

	if s.oldestCursor == nil || s.oldestCursor.ID != "m1" {
		t.Fatalf("cursor = %+v, want oldest m1", s.oldestCursor)
	}

	added, changed = s.prependHistory([]*Message{confirmed("m1", "u1", "oldest", 0)})
	if added != 0 || changed {
		t.Errorf("duplicate page should be a no-op, got (%d, %v)", added, changed)
	}
}

func TestStoreCursorSkipsPending(t *testing.T) {
	s := newTestStore()
	s.insertOptimistic(pendingMsg("local-a", "u1", "unconfirmed", 0))
	s.applySnapshot([]*Message{confirmed("m1", "u2", "hi", 10 * time.Second)})

	if s.oldestCursor == nil || s.oldestCursor.ID != "m1" {
		t.Fatalf("cursor = %+v, want m1 (pending entries cannot anchor pagination)", s.oldestCursor)
	}
}
