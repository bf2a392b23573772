package multiplayer

import (
	"encoding/json"
	"sync"
)

// RequestKind groups pending requests that can share one round trip.
type RequestKind int

const (
	RequestKindRegular RequestKind = iota
	RequestKindSynchronized
)

func (k RequestKind) String() string {
	if k == RequestKindSynchronized {
		return "synchronized"
	}
	return "regular"
}

// joinabilityProperty is the custom property that mirrors the title's joinability intent.
const joinabilityProperty = "joinability"

// PendingRequest is one local change accumulated between commits.
// Context is opaque and handed back on every event the request produces.
type PendingRequest struct {
	ID                            uint64
	Joinability                   Joinability
	SessionProperties             map[string]json.RawMessage
	SynchronizedHostDeviceToken   string
	SynchronizedSessionProperties map[string]json.RawMessage
	Context                       any
}

// Kind reports whether the request must be written with synchronized semantics.
func (r *PendingRequest) Kind() RequestKind {
	if r.SynchronizedHostDeviceToken != "" || len(r.SynchronizedSessionProperties) > 0 {
		return RequestKindSynchronized
	}
	return RequestKindRegular
}

// Empty reports whether the request carries no change at all.
func (r *PendingRequest) Empty() bool {
	return r.Joinability == JoinabilityNone &&
		len(r.SessionProperties) == 0 &&
		r.SynchronizedHostDeviceToken == "" &&
		len(r.SynchronizedSessionProperties) == 0
}

// Apply folds the request into doc, which must be a private copy.
func (r *PendingRequest) Apply(doc *SessionDocument, isGameInProgress bool) {
	if doc.Properties.Custom == nil {
		doc.Properties.Custom = make(map[string]json.RawMessage)
	}

	if r.Joinability != JoinabilityNone {
		applyJoinability(doc, r.Joinability, isGameInProgress)
	}
	for name, v := range r.SessionProperties {
		doc.Properties.Custom[name] = v
	}
	if r.SynchronizedHostDeviceToken != "" {
		doc.Properties.HostDeviceToken = r.SynchronizedHostDeviceToken
	}
	for name, v := range r.SynchronizedSessionProperties {
		doc.Properties.Custom[name] = v
	}
}

func applyJoinability(doc *SessionDocument, j Joinability, isGameInProgress bool) {
	switch j {
	case JoinabilityJoinableByFriends:
		doc.Properties.JoinRestriction = "followed"
		doc.Properties.Closed = false
	case JoinabilityInviteOnly:
		doc.Properties.JoinRestriction = "local"
		doc.Properties.Closed = false
	case JoinabilityDisableWhileGameInProgress:
		doc.Properties.JoinRestriction = "local"
		doc.Properties.Closed = isGameInProgress
	case JoinabilityClosed:
		doc.Properties.Closed = true
	}

	raw, _ := json.Marshal(j.String()) //nolint:errcheck // marshalling a string cannot fail
	doc.Properties.Custom[joinabilityProperty] = raw
}

// PendingQueue accumulates requests in FIFO order.
// Safe for concurrent use.
type PendingQueue struct {
	mu       sync.Mutex
	requests []*PendingRequest
	nextID   uint64
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Push assigns the request an ID and appends it.
func (q *PendingQueue) Push(req *PendingRequest) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	req.ID = q.nextID
	q.requests = append(q.requests, req)
	return req.ID
}

// Len returns the number of queued requests.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// NextBatch removes and returns the longest prefix of requests sharing the
// kind of the head request. It returns nil when the queue is empty.
func (q *PendingQueue) NextBatch() ([]*PendingRequest, RequestKind) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.requests) == 0 {
		return nil, RequestKindRegular
	}

	kind := q.requests[0].Kind()
	n := 1
	for n < len(q.requests) && q.requests[n].Kind() == kind {
		n++
	}

	batch := make([]*PendingRequest, n)
	copy(batch, q.requests[:n])
	q.requests = append(q.requests[:0], q.requests[n:]...)
	return batch, kind
}

// Snapshot returns the queued requests without removing them.
func (q *PendingQueue) Snapshot() []*PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*PendingRequest(nil), q.requests...)
}
