package waveline

import (
	"context"
	"sync"
	"testing"
	"time"
)

// typingRecorder captures presence writes issued by the tracker.
type typingRecorder struct {
	mu     sync.Mutex
	writes []bool
}

func (r *typingRecorder) write(ctx context.Context, typing bool) error {
	r.mu.Lock()
	r.writes = append(r.writes, typing)
	r.mu.Unlock()
	return nil
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.writes...)
}

func waitForWrites(t *testing.T, r *typingRecorder, want []bool) {
	t.Helper()
	waitFor(t, 2*time.Second, "typing writes", func() bool {
		got := r.snapshot()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	})
}

func TestTypingTrackerLeadingEdge(t *testing.T) {
	rec := &typingRecorder{}
	tr := newTypingTracker(rec.write, 40*time.Millisecond, nil)
	defer tr.stop()

	// A burst of keystrokes writes true once, then false after the idle
	// window.
	tr.touch()
	tr.touch()
	tr.touch()

	waitForWrites(t, rec, []bool{true, false})
}

func TestTypingTrackerClearOnSend(t *testing.T) {
	rec := &typingRecorder{}
	tr := newTypingTracker(rec.write, time.Minute, nil)
	defer tr.stop()

	tr.touch()
	tr.clear()

	waitForWrites(t, rec, []bool{true, false})

	// Clearing an idle tracker writes nothing.
	tr.clear()
	time.Sleep(20 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("writes = %v, want no write for a redundant clear", got)
	}
}

func TestTypingTrackerResetWindow(t *testing.T) {
	rec := &typingRecorder{}
	tr := newTypingTracker(rec.write, 60*time.Millisecond, nil)
	defer tr.stop()

	tr.touch()
	time.Sleep(30 * time.Millisecond)
	tr.touch() // pushes the idle deadline back

	time.Sleep(40 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("writes = %v, want only the leading true while still typing", got)
	}

	waitForWrites(t, rec, []bool{true, false})
}

func TestTypingTrackerStopClears(t *testing.T) {
	rec := &typingRecorder{}
	tr := newTypingTracker(rec.write, time.Minute, nil)

	tr.touch()
	tr.stop()

	waitForWrites(t, rec, []bool{true, false})

	// Stopped trackers ignore further activity.
	tr.touch()
	time.Sleep(20 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("writes = %v, want none after stop", got)
	}
}
