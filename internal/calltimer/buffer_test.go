package calltimer

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recorder) callback(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, keys)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func newTestTimer(period time.Duration) (*BufferTimer, *recorder, *ManualClock) {
	clock := NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	return New(period, rec.callback, WithClock(clock)), rec, clock
}

func TestFireWhenIdleRunsImmediately(t *testing.T) {
	timer, rec, _ := newTestTimer(30 * time.Second)

	timer.Fire("user-1")

	if rec.count() != 1 {
		t.Fatalf("Expected 1 callback, got %d", rec.count())
	}
	if !reflect.DeepEqual(rec.last(), []string{"user-1"}) {
		t.Errorf("Unexpected batch: %v", rec.last())
	}
	if !timer.Armed() {
		t.Error("Expected cooldown to be armed after firing")
	}
}

func TestFireDuringCooldownCoalesces(t *testing.T) {
	timer, rec, clock := newTestTimer(30 * time.Second)

	timer.Fire("a")
	for i := 0; i < 10; i++ {
		timer.Fire("b")
		timer.Fire("c")
	}
	timer.Fire("a")

	if rec.count() != 1 {
		t.Fatalf("Expected signals inside the window to be buffered, got %d callbacks", rec.count())
	}
	if got := timer.Pending(); !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Errorf("Pending keys = %v, want [b c a]", got)
	}

	clock.Advance(29 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("Callback ran before cooldown elapsed")
	}

	clock.Advance(time.Second)
	if rec.count() != 2 {
		t.Fatalf("Expected exactly one coalesced callback, got %d total", rec.count())
	}
	if !reflect.DeepEqual(rec.last(), []string{"b", "c", "a"}) {
		t.Errorf("Coalesced batch = %v", rec.last())
	}
	if !timer.Armed() {
		t.Error("Expected timer to re-arm after a coalesced callback")
	}
}

func TestCooldownGoesIdleWithoutSignals(t *testing.T) {
	timer, rec, clock := newTestTimer(10 * time.Second)

	timer.Fire()
	clock.Advance(10 * time.Second)

	if rec.count() != 1 {
		t.Fatalf("Expected no trailing callback without signals, got %d", rec.count())
	}
	if timer.Armed() {
		t.Error("Expected timer to be idle")
	}

	timer.Fire("x")
	if rec.count() != 2 {
		t.Errorf("Expected immediate callback once idle again, got %d", rec.count())
	}
}

func TestSignalDuringCallbackIsKept(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var timer *BufferTimer
	calls := 0
	timer = New(5*time.Second, func(keys []string) {
		calls++
		if calls == 1 {
			// Re-entrant signal while the callback is executing.
			timer.Fire("again")
		}
	}, WithClock(clock))

	timer.Fire("first")
	if calls != 1 {
		t.Fatalf("Expected 1 call, got %d", calls)
	}

	clock.Advance(5 * time.Second)
	if calls != 2 {
		t.Fatalf("Expected the signal raised during the callback to fire after the window, got %d calls", calls)
	}

	clock.Advance(5 * time.Second)
	if calls != 2 {
		t.Errorf("Expected no further calls, got %d", calls)
	}
}

func TestStopDropsPendingSignals(t *testing.T) {
	timer, rec, clock := newTestTimer(time.Second)

	timer.Fire("a")
	timer.Fire("b")
	timer.Stop()
	clock.Advance(time.Minute)
	timer.Fire("c")

	if rec.count() != 1 {
		t.Errorf("Expected only the initial callback, got %d", rec.count())
	}
	if clock.PendingTimers() != 0 {
		t.Errorf("Expected no pending timers after Stop, got %d", clock.PendingTimers())
	}
}

func TestManualClockOrdersTimers(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var order []int

	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	stopped := clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	if !stopped.Stop() {
		t.Fatal("Expected Stop to succeed on a pending timer")
	}
	clock.Advance(5 * time.Second)

	if !reflect.DeepEqual(order, []int{1, 3}) {
		t.Errorf("Timer order = %v, want [1 3]", order)
	}
	if stopped.Stop() {
		t.Error("Stop on an already stopped timer should return false")
	}
	if got := clock.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Errorf("Now() = %v, want 5s after epoch", got)
	}
}
