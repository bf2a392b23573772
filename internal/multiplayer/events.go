package multiplayer

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// EventType identifies what a multiplayer Event reports.
type EventType int

const (
	EventJoinabilityStateChanged EventType = iota + 1
	EventSessionPropertyWriteCompleted
	EventSynchronizedHostWriteCompleted
	EventSessionSynchronizedPropertyWriteCompleted
)

func (t EventType) String() string {
	switch t {
	case EventJoinabilityStateChanged:
		return "joinability_state_changed"
	case EventSessionPropertyWriteCompleted:
		return "session_property_write_completed"
	case EventSynchronizedHostWriteCompleted:
		return "synchronized_host_write_completed"
	case EventSessionSynchronizedPropertyWriteCompleted:
		return "session_synchronized_property_write_completed"
	default:
		return "unknown"
	}
}

// EventArgs carries the type-specific payload of an Event.
type EventArgs interface {
	eventArgs()
}

// JoinabilityArgs reports the joinability that was written.
type JoinabilityArgs struct {
	Joinability Joinability
}

func (JoinabilityArgs) eventArgs() {}

// PropertyWriteArgs names the session property that was written.
type PropertyWriteArgs struct {
	Name string
}

func (PropertyWriteArgs) eventArgs() {}

// SynchronizedHostArgs reports the host device token that was written.
type SynchronizedHostArgs struct {
	DeviceToken string
}

func (SynchronizedHostArgs) eventArgs() {}

// Event is delivered to the title once a pending change has been committed.
// Err is nil on success; every event from one commit carries the same error.
type Event struct {
	Type         EventType
	SessionType  SessionType
	Args         EventArgs
	Err          error
	ErrorMessage string
	Context      any
	Time         time.Time
}

// Failed reports whether the commit behind the event failed.
func (e Event) Failed() bool {
	return e.Err != nil
}

// BuildEvents fans a commit result out into one event per change carried by
// each request: one for joinability, one per session property, one for the
// synchronized host and one per synchronized property.
func BuildEvents(queue []*PendingRequest, err error, sessionType SessionType) []Event {
	msg := ErrorMessage(err)
	now := time.Now()

	var events []Event
	emit := func(req *PendingRequest, typ EventType, args EventArgs) {
		events = append(events, Event{
			Type:         typ,
			SessionType:  sessionType,
			Args:         args,
			Err:          err,
			ErrorMessage: msg,
			Context:      req.Context,
			Time:         now,
		})
	}

	for _, req := range queue {
		if req.Joinability != JoinabilityNone {
			emit(req, EventJoinabilityStateChanged, JoinabilityArgs{Joinability: req.Joinability})
		}
		for _, name := range slices.Sorted(maps.Keys(req.SessionProperties)) {
			emit(req, EventSessionPropertyWriteCompleted, PropertyWriteArgs{Name: name})
		}
		if req.SynchronizedHostDeviceToken != "" {
			emit(req, EventSynchronizedHostWriteCompleted, SynchronizedHostArgs{DeviceToken: req.SynchronizedHostDeviceToken})
		}
		for _, name := range slices.Sorted(maps.Keys(req.SynchronizedSessionProperties)) {
			emit(req, EventSessionSynchronizedPropertyWriteCompleted, PropertyWriteArgs{Name: name})
		}
	}
	return events
}

// EventQueue buffers events between DoWork calls.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
}

// Push appends events to the queue.
func (q *EventQueue) Push(events ...Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, events...)
}

// Drain removes and returns all queued events.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
