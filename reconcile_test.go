package waveline

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// TestReconcileResolvesPending covers the core optimistic round trip: a
// local entry is replaced in its slot by the confirming record, neighbors
// keep their pointers, and nothing duplicates.
func TestReconcileResolvesPending(t *testing.T) {
	s := newTestStore()
	s.applySnapshot([]*Message{confirmed("m1", "u2", "hey", 0)})
	m1 := s.byID["m1"]

	s.insertOptimistic(pendingMsg("local-a", "u1", "yo", 10*time.Second))

	changed, resolved := s.applySnapshot([]*Message{
		confirmed("m1", "u2", "hey", 0),
		confirmed("srv-yo", "u1", "yo", 11*time.Second),
		confirmed("m2", "u2", "what's up", 20*time.Second),
	})
	if !changed {
		t.Fatal("applySnapshot should report a change")
	}
	if len(resolved) != 1 || resolved[0] != "local-a" {
		t.Fatalf("resolved = %v, want [local-a]", resolved)
	}

	assertIDs(t, viewIDs(s), []string{"m1", "srv-yo", "m2"})

	if got := s.byID["srv-yo"]; got.Status != StatusSent {
		t.Errorf("resolved message status = %s, want %s", got.Status, StatusSent)
	}
	if _, stillThere := s.byID["local-a"]; stillThere {
		t.Error("temp id should be gone after resolution")
	}
	if s.orderedView()[0] != m1 {
		t.Error("unchanged neighbor lost its pointer identity")
	}
}

// TestReconcileIdempotent re-applies the same snapshot and expects no view
// change and no pointer churn.
func TestReconcileIdempotent(t *testing.T) {
	s := newTestStore()
	batch := []*Message{
		confirmed("m1", "u1", "a", 0),
		confirmed("m2", "u2", "b", time.Second),
	}
	s.applySnapshot(batch)
	before := s.orderedView()

	changed, resolved := s.applySnapshot(batch)
	if changed {
		t.Error("identical snapshot should not change the view")
	}
	if len(resolved) != 0 {
		t.Errorf("resolved = %v, want none", resolved)
	}
	after := s.orderedView()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("message %s pointer churned on a redundant snapshot", before[i].ID)
		}
	}
}

func TestReconcileUpdateInPlace(t *testing.T) {
	t.Run("edit keeps slot", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{
			confirmed("m1", "u1", "a", 0),
			confirmed("m2", "u2", "b", time.Second),
		})

		edited := confirmed("m1", "u1", "a (edited)", 0)
		changed, _ := s.applySnapshot([]*Message{edited})
		if !changed {
			t.Fatal("edit should change the view")
		}
		assertIDs(t, viewIDs(s), []string{"m1", "m2"})
		if got := s.byID["m1"].Body; got != "a (edited)" {
			t.Errorf("body = %q, want edit applied", got)
		}
	})

	t.Run("reaction update", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{confirmed("m1", "u1", "a", 0)})

		reacted := confirmed("m1", "u1", "a", 0)
		reacted.Reactions = map[string]string{"u2": "🔥"}
		changed, _ := s.applySnapshot([]*Message{reacted})
		if !changed {
			t.Fatal("reaction should change the view")
		}
		if got := s.byID["m1"].Reactions["u2"]; got != "🔥" {
			t.Errorf("reaction = %q, want 🔥", got)
		}
	})

	t.Run("timestamp correction repositions", func(t *testing.T) {
		s := newTestStore()
		s.applySnapshot([]*Message{
			confirmed("m1", "u1", "a", 10*time.Second),
			confirmed("m2", "u2", "b", 20*time.Second),
		})

		moved := confirmed("m1", "u1", "a", 30*time.Second)
		changed, _ := s.applySnapshot([]*Message{moved})
		if !changed {
			t.Fatal("timestamp move should change the view")
		}
		assertIDs(t, viewIDs(s), []string{"m2", "m1"})
	})
}

func TestReconcileTombstone(t *testing.T) {
	s := newTestStore()
	s.applySnapshot([]*Message{
		confirmed("m1", "u1", "a", 0),
		confirmed("m2", "u2", "b", time.Second),
	})

	gone := confirmed("m1", "u1", "a", 0)
	gone.Deleted = true
	changed, _ := s.applySnapshot([]*Message{gone})
	if !changed {
		t.Fatal("tombstone should change the view")
	}
	assertIDs(t, viewIDs(s), []string{"m2"})

	changed, _ = s.applySnapshot([]*Message{gone})
	if changed {
		t.Error("re-delivered tombstone should be a no-op")
	}
}

// TestReconcileOutsideWindow keeps both records when the confirmation falls
// outside the correlation window, and logs the diagnostic.
func TestReconcileOutsideWindow(t *testing.T) {
	var logged []string
	s := newConversationStore("conv-1", 30*time.Second, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})

	s.insertOptimistic(pendingMsg("local-a", "u1", "yo", 0))

	changed, resolved := s.applySnapshot([]*Message{
		confirmed("srv-yo", "u1", "yo", 2*time.Minute),
	})
	if !changed {
		t.Fatal("insert should change the view")
	}
	if len(resolved) != 0 {
		t.Fatalf("resolved = %v, want none outside the window", resolved)
	}
	assertIDs(t, viewIDs(s), []string{"local-a", "srv-yo"})

	if len(logged) != 1 || !strings.Contains(logged[0], "merge conflict") {
		t.Errorf("expected one merge conflict diagnostic, got %v", logged)
	}
}

// TestReconcileFailedEntry confirms a late confirmation still resolves an
// entry that already timed out locally, instead of duplicating it.
func TestReconcileFailedEntry(t *testing.T) {
	s := newTestStore()
	s.insertOptimistic(pendingMsg("local-a", "u1", "yo", 0))
	s.markFailed("local-a")

	_, resolved := s.applySnapshot([]*Message{
		confirmed("srv-yo", "u1", "yo", 5*time.Second),
	})
	if len(resolved) != 1 || resolved[0] != "local-a" {
		t.Fatalf("resolved = %v, want [local-a]", resolved)
	}
	assertIDs(t, viewIDs(s), []string{"srv-yo"})
}

// TestReconcileOneMatchPerEntry sends the same body twice; two confirmations
// must resolve two distinct entries, not the same one twice.
func TestReconcileOneMatchPerEntry(t *testing.T) {
	s := newTestStore()
	s.insertOptimistic(pendingMsg("local-a", "u1", "yo", 0))
	s.insertOptimistic(pendingMsg("local-b", "u1", "yo", time.Second))

	_, resolved := s.applySnapshot([]*Message{
		confirmed("srv-1", "u1", "yo", 2*time.Second),
		confirmed("srv-2", "u1", "yo", 3*time.Second),
	})
	if len(resolved) != 2 {
		t.Fatalf("resolved = %v, want both entries", resolved)
	}
	assertIDs(t, viewIDs(s), []string{"srv-1", "srv-2"})
}

func TestReconcileSkipsMalformed(t *testing.T) {
	s := newTestStore()
	changed, _ := s.applySnapshot([]*Message{
		{ID: "", Body: "no id"},
		{ID: "m1", Body: "no created-at"},
	})
	if changed {
		t.Error("malformed records should be skipped")
	}
	if s.len() != 0 {
		t.Errorf("store has %d messages, want 0", s.len())
	}
}
