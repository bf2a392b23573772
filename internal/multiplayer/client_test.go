package multiplayer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memoryRecorder) RecordEvent(evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *memoryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestClientCommitsBatchesByKind(t *testing.T) {
	svc := &fakeService{}
	w := newTestWriter(t, svc)
	w.UpdateSession(docAt(1))
	c := NewClient(SessionTypeLobby, w, WithClientLogger(quietLogger()))

	if err := c.SetProperties("map", "harbor", "p1"); err != nil {
		t.Fatalf("SetProperties() failed: %v", err)
	}
	if err := c.SetJoinability(JoinabilityInviteOnly, "j1"); err != nil {
		t.Fatalf("SetJoinability() failed: %v", err)
	}
	if err := c.SetSynchronizedHost("device-1", "h1"); err != nil {
		t.Fatalf("SetSynchronizedHost() failed: %v", err)
	}
	if err := c.SetSynchronizedProperties("seed", 7, "s1"); err != nil {
		t.Fatalf("SetSynchronizedProperties() failed: %v", err)
	}

	events := c.Drain(context.Background())

	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	if svc.writeCount() != 2 {
		t.Fatalf("Expected 2 round trips (regular then synchronized), got %d", svc.writeCount())
	}
	if svc.modes[0] != WriteModeUpdateExisting || svc.modes[1] != WriteModeSynchronizedUpdate {
		t.Errorf("Unexpected write modes %v", svc.modes)
	}
	if got := string(svc.writes[0].Properties.Custom["map"]); got != `"harbor"` {
		t.Errorf("map property = %s", got)
	}
	if got := string(svc.writes[1].Properties.Custom["seed"]); got != `7` {
		t.Errorf("seed property = %s", got)
	}
	if c.PendingCount() != 0 || c.ProcessingCount() != 0 {
		t.Errorf("Expected empty queues, pending=%d processing=%d", c.PendingCount(), c.ProcessingCount())
	}
}

func TestClientDoWorkAllowsOneCommitAtATime(t *testing.T) {
	g := newGate()
	svc := &fakeService{}
	svc.writeFn = func(_ context.Context, doc *SessionDocument, _ WriteMode) (*SessionDocument, error) {
		g.wait()
		out := doc.Clone()
		out.ChangeNumber++
		return out, nil
	}
	w := newTestWriter(t, svc)
	w.UpdateSession(docAt(1))
	c := NewClient(SessionTypeGame, w, WithClientLogger(quietLogger()))

	_ = c.SetProperties("a", 1, nil)
	c.DoWork(context.Background())
	<-g.entered

	_ = c.SetProperties("b", 2, nil)
	c.DoWork(context.Background())
	c.DoWork(context.Background())

	if svc.writeCount() != 1 {
		t.Errorf("Expected a single in-flight commit, got %d writes", svc.writeCount())
	}
	if c.ProcessingCount() != 1 || c.PendingCount() != 1 {
		t.Errorf("processing=%d pending=%d, want 1 and 1", c.ProcessingCount(), c.PendingCount())
	}

	close(g.release)
	events := c.Drain(context.Background())
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
	if svc.writeCount() != 2 {
		t.Errorf("Expected 2 writes, got %d", svc.writeCount())
	}
}

func TestClientRejectsInvalidMutations(t *testing.T) {
	c := NewClient(SessionTypeLobby, newTestWriter(t, &fakeService{}), WithClientLogger(quietLogger()))

	if err := c.SetJoinability(JoinabilityNone, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if err := c.SetSynchronizedHost("", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if err := c.SetProperties("bad", make(chan int), nil); err == nil {
		t.Error("Expected marshal error")
	}
	if c.PendingCount() != 0 {
		t.Errorf("Invalid requests were queued: %d", c.PendingCount())
	}
}

func TestClientLoopDeliversToSinkAndRecorder(t *testing.T) {
	svc := &fakeService{}
	w := newTestWriter(t, svc)
	w.UpdateSession(docAt(1))

	sink := NewChannelSink(8)
	defer sink.Close()
	rec := &memoryRecorder{}
	c := NewClient(SessionTypeLobby, w,
		WithSink(sink),
		WithRecorder(rec),
		WithDoWorkInterval(5*time.Millisecond),
		WithClientLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	_ = c.SetJoinability(JoinabilityJoinableByFriends, "ctx")

	select {
	case evt := <-sink.Events():
		if evt.Type != EventJoinabilityStateChanged || evt.Context != "ctx" {
			t.Errorf("Unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}

	c.Stop()
	if rec.count() != 1 {
		t.Errorf("Expected 1 recorded event, got %d", rec.count())
	}
}

// blockingSink holds the first Send until released.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	done    chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *blockingSink) Send(Event) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
}

func (s *blockingSink) Done() <-chan struct{} {
	return s.done
}

func TestClientStopWaitsForDelivery(t *testing.T) {
	svc := &fakeService{}
	w := newTestWriter(t, svc)
	w.UpdateSession(docAt(1))

	sink := newBlockingSink()
	rec := &memoryRecorder{}
	c := NewClient(SessionTypeLobby, w,
		WithSink(sink),
		WithRecorder(rec),
		WithDoWorkInterval(5*time.Millisecond),
		WithClientLogger(quietLogger()),
	)

	// One regular batch producing 5 events.
	for _, name := range []string{"a", "b", "c", "d"} {
		if err := c.SetProperties(name, name, nil); err != nil {
			t.Fatalf("SetProperties() failed: %v", err)
		}
	}
	if err := c.SetJoinability(JoinabilityInviteOnly, nil); err != nil {
		t.Fatalf("SetJoinability() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the loop was still delivering")
	case <-time.After(20 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after delivery finished")
	}

	recorded := rec.count()
	if recorded == 0 {
		t.Fatal("Expected events to be recorded before Stop returned")
	}
	time.Sleep(20 * time.Millisecond)
	if got := rec.count(); got != recorded {
		t.Errorf("Recorded %d events after Stop returned", got-recorded)
	}
}

func TestClientRoutesTapsForItsSession(t *testing.T) {
	svc := &fakeService{
		getFn: func(context.Context, SessionReference) (*SessionDocument, error) {
			return docAt(4), nil
		},
	}
	w := newTestWriter(t, svc)
	w.UpdateSession(docAt(3))
	c := NewClient(SessionTypeLobby, w, WithClientLogger(quietLogger()))

	other := testRef
	other.SessionName = "other"
	c.OnSessionChanged(SessionChangeEvent{Reference: other, ChangeNumber: 10})
	w.Wait()
	if svc.getCount() != 0 {
		t.Fatalf("Tap for another session was routed, %d fetches", svc.getCount())
	}

	c.OnSessionChanged(SessionChangeEvent{Reference: testRef, ChangeNumber: 4})
	w.Wait()
	if svc.getCount() != 1 {
		t.Errorf("Expected 1 fetch, got %d", svc.getCount())
	}
}

func TestChannelSinkDropsOldest(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Send(Event{Context: 1})
	sink.Send(Event{Context: 2})
	sink.Send(Event{Context: 3})

	first := <-sink.Events()
	second := <-sink.Events()
	if first.Context != 2 || second.Context != 3 {
		t.Errorf("Got %v, %v; want 2, 3", first.Context, second.Context)
	}

	sink.Close()
	sink.Close()
	sink.Send(Event{Context: 4})
	select {
	case evt := <-sink.Events():
		t.Errorf("Closed sink accepted %v", evt.Context)
	default:
	}
}

func TestLocalUserManagerPrimaryAndOrder(t *testing.T) {
	m := NewLocalUserManager()
	_ = m.Add(&LocalUser{Xuid: "300"})
	_ = m.Add(&LocalUser{Xuid: "100"})
	if err := m.Add(&LocalUser{Xuid: "300"}); !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("Expected ErrDuplicateUser, got %v", err)
	}

	if p, _ := m.Primary(); p.Xuid != "300" {
		t.Errorf("Primary = %s, want 300", p.Xuid)
	}
	users := m.Users()
	if len(users) != 2 || users[0].Xuid != "100" || users[1].Xuid != "300" {
		t.Errorf("Users() not sorted: %v", users)
	}

	m.Remove("300")
	if p, _ := m.Primary(); p.Xuid != "100" {
		t.Errorf("Primary after remove = %s, want 100", p.Xuid)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d", m.Count())
	}
}
