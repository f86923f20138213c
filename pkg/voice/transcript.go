package voice

import (
	"sync"
	"time"
)

// interimFlushInterval bounds how often bursty partial transcript deltas
// reach observable state.
const interimFlushInterval = 50 * time.Millisecond

// interimThrottle coalesces partial transcript deltas and flushes the
// latest one at a fixed cadence. A final delta must bypass the throttle:
// finalize stops the timer and clears the buffer synchronously so no
// observer ever sees the transient partial next to the finalized text.
type interimThrottle struct {
	flush func(text string, role Role)

	mu    sync.Mutex
	timer *time.Timer
	text  string
	role  Role
}

func newInterimThrottle(flush func(text string, role Role)) *interimThrottle {
	return &interimThrottle{flush: flush}
}

// push buffers a partial delta, arming the flush timer if idle. Later
// pushes within the interval overwrite the buffered text.
func (t *interimThrottle) push(text string, role Role) {
	t.mu.Lock()
	t.text = text
	t.role = role
	if t.timer == nil {
		t.timer = time.AfterFunc(interimFlushInterval, t.fire)
	}
	t.mu.Unlock()
}

// fire delivers the buffered delta. The lock is held across flush: reset
// blocks until an in-flight flush returns, so once reset completes no stale
// partial can land on top of a finalized transcript.
func (t *interimThrottle) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		// reset raced the timer; a disarmed throttle stays silent.
		return
	}
	t.timer = nil

	if t.flush != nil {
		t.flush(t.text, t.role)
	}
}

// reset cancels any pending flush and clears the buffer. Called before a
// final transcript is delivered and on session teardown.
func (t *interimThrottle) reset() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.text = ""
	t.role = RoleNone
	t.mu.Unlock()
}
