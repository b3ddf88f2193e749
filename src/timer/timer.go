// Package timer provides a restartable, haltable single-shot delay used for
// no-input detection and DTMF inter-digit timeouts.
package timer

import (
	"sync"
	"time"
)

// Timer schedules a single callback after a fixed delay. A latched halted
// flag makes Start inert until Resume clears it; Resume itself never
// re-arms, callers re-arm with an explicit Start.
type Timer struct {
	mu       sync.Mutex
	delay    time.Duration
	callback func()
	pending  *time.Timer
	halted   bool
}

// New creates a Timer that invokes callback delay after Start.
func New(delay time.Duration, callback func()) *Timer {
	return &Timer{delay: delay, callback: callback}
}

// Start (re)schedules the callback, canceling any pending schedule first.
// No-op while halted.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		return
	}
	t.cancelLocked()
	t.pending = time.AfterFunc(t.delay, t.fire)
}

// Stop cancels a pending schedule without altering the halted flag.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

// Halt sets the halted flag and cancels any pending schedule. While halted,
// Start is inert.
func (t *Timer) Halt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted = true
	t.cancelLocked()
}

// Resume clears the halted flag and cancels any pending schedule. It does
// not reschedule; call Start to re-arm.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted = false
	t.cancelLocked()
}

// Halted reports whether the timer is currently halted.
func (t *Timer) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted
}

func (t *Timer) cancelLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) fire() {
	t.mu.Lock()
	// A halt or stop that raced the firing wins
	if t.halted || t.pending == nil {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
