package waveline

import (
	"context"
	"sync"
	"time"
)

// typingTracker debounces outbound typing writes. The first keystroke of a
// burst writes typing=true immediately (leading edge); continued keystrokes
// only push the idle timer back; the clear fires once when the burst ends.
// Writes go through a single worker so they reach the wire in order.
type typingTracker struct {
	write      func(ctx context.Context, typing bool) error
	idleWindow time.Duration
	logf       Logger

	mu      sync.Mutex
	typing  bool
	idle    *time.Timer
	stopped bool
	queue   chan bool
}

func newTypingTracker(write func(ctx context.Context, typing bool) error, idleWindow time.Duration, logf Logger) *typingTracker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	t := &typingTracker{
		write:      write,
		idleWindow: idleWindow,
		logf:       logf,
		queue:      make(chan bool, 16),
	}
	go t.worker()
	return t
}

func (t *typingTracker) worker() {
	for typing := range t.queue {
		t.send(typing)
	}
}

// touch records compose activity.
func (t *typingTracker) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = time.AfterFunc(t.idleWindow, t.clear)
	if !t.typing {
		t.typing = true
		t.enqueue(true)
	}
}

// clear ends the burst. Idempotent; also used as the idle timer callback and
// on Send, so the peer's indicator drops as soon as the message lands.
func (t *typingTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.typing {
		return
	}
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	t.typing = false
	t.enqueue(false)
}

// stop cancels the timer and, if a burst is live, writes a final clear so
// the peer is not left with a stuck indicator.
func (t *typingTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if t.typing {
		t.typing = false
		t.enqueue(false)
	}
	close(t.queue)
}

// enqueue hands a write to the worker. Caller holds mu, so queue order is
// burst order. A full queue drops the write; the next transition
// self-corrects.
func (t *typingTracker) enqueue(typing bool) {
	select {
	case t.queue <- typing:
	default:
	}
}

// send performs the presence write. Failures are logged and dropped: typing
// is advisory.
func (t *typingTracker) send(typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.write(ctx, typing); err != nil {
		t.logf("typing write: %v", err)
	}
}
