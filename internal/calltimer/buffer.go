// Package calltimer provides a coalescing call buffer timer.
//
// A BufferTimer turns any number of trigger signals into at most one callback
// per cooldown window. Keys passed with each signal are accumulated and handed
// to the callback as a single batch, so callers such as the multiplayer resync
// path and the stats flush path can be fed from bursty sources without issuing
// a network call per signal.
package calltimer

import (
	"sync"
	"time"
)

// Callback receives the keys accumulated since the previous invocation.
// The slice may be empty when the timer was fired without keys.
type Callback func(keys []string)

// Option configures a BufferTimer.
type Option func(*BufferTimer)

// WithClock replaces the wall clock, typically with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(t *BufferTimer) {
		if c != nil {
			t.clock = c
		}
	}
}

// BufferTimer coalesces Fire calls into one callback per period.
//
// When idle, Fire invokes the callback immediately and arms a cooldown.
// While the cooldown is armed, further Fire calls only record their keys.
// When the cooldown elapses with recorded signals, one callback covers all of
// them and the cooldown is armed again; without signals the timer goes idle.
type BufferTimer struct {
	period   time.Duration
	callback Callback
	clock    Clock

	mu        sync.Mutex // protects the fields below
	keys      []string
	seen      map[string]struct{}
	signalled bool
	armed     bool
	stopped   bool
	timer     Timer
	fired     uint64
}

// New creates a buffer timer with the given cooldown period.
func New(period time.Duration, callback Callback, opts ...Option) *BufferTimer {
	t := &BufferTimer{
		period:   period,
		callback: callback,
		clock:    SystemClock{},
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fire records a trigger signal with optional keys.
func (t *BufferTimer) Fire(keys ...string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.recordLocked(keys)
	if t.armed {
		t.mu.Unlock()
		return
	}

	batch := t.takeLocked()
	t.armLocked()
	t.mu.Unlock()

	t.invoke(batch)
}

// Stop cancels any armed cooldown and drops recorded signals.
// Fire calls after Stop are ignored.
func (t *BufferTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.keys = nil
	t.seen = make(map[string]struct{})
	t.signalled = false
}

// Armed reports whether a cooldown window is currently running.
func (t *BufferTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Pending returns the keys recorded during the current cooldown window.
func (t *BufferTimer) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

// Fired returns how many times the callback has been invoked.
func (t *BufferTimer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *BufferTimer) expire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if !t.signalled {
		t.armed = false
		t.mu.Unlock()
		return
	}

	batch := t.takeLocked()
	t.armLocked()
	t.mu.Unlock()

	t.invoke(batch)
}

func (t *BufferTimer) invoke(batch []string) {
	if t.callback != nil {
		t.callback(batch)
	}
}

func (t *BufferTimer) recordLocked(keys []string) {
	t.signalled = true
	for _, k := range keys {
		if _, ok := t.seen[k]; ok {
			continue
		}
		t.seen[k] = struct{}{}
		t.keys = append(t.keys, k)
	}
}

func (t *BufferTimer) takeLocked() []string {
	batch := t.keys
	t.keys = nil
	t.seen = make(map[string]struct{})
	t.signalled = false
	t.fired++
	return batch
}

// armLocked starts a cooldown before the callback runs, so signals that
// arrive while the callback executes are kept for the next window.
func (t *BufferTimer) armLocked() {
	t.armed = true
	t.timer = t.clock.AfterFunc(t.period, t.expire)
}
