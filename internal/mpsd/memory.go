// Package mpsd provides session directory implementations for the multiplayer
// writer: an in-memory directory with optimistic concurrency, and a REST
// server and client that expose it over HTTP.
package mpsd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

// Memory is an in-process session directory.
//
// Every successful write bumps the session's change number and notifies
// subscribers before the write returns, the way the real directory taps
// clients while their own request is still in flight.
type Memory struct {
	mu       sync.Mutex // protects the fields below
	sessions map[multiplayer.SessionReference]*multiplayer.SessionDocument
	handles  map[string]multiplayer.SessionReference
	subs     map[int]func(multiplayer.SessionChangeEvent)
	nextSub  int
	failNext []error
	writes   int
	gets     int
}

var _ multiplayer.SessionService = (*Memory)(nil)

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[multiplayer.SessionReference]*multiplayer.SessionDocument),
		handles:  make(map[string]multiplayer.SessionReference),
		subs:     make(map[int]func(multiplayer.SessionChangeEvent)),
	}
}

// WriteSession applies doc to the session it references.
func (m *Memory) WriteSession(ctx context.Context, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc == nil || doc.Reference.IsZero() {
		return nil, &multiplayer.ServiceError{StatusCode: http.StatusBadRequest, Message: "session reference is required"}
	}

	m.mu.Lock()
	m.writes++
	if err := m.takeFailureLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	result, err := m.applyLocked(doc, mode)
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if err != nil {
		return result, err
	}
	evt := multiplayer.SessionChangeEvent{Reference: result.Reference, ChangeNumber: result.ChangeNumber}
	for _, fn := range subs {
		fn(evt)
	}
	return result, nil
}

// WriteSessionByHandle resolves handleID and writes doc to that session.
func (m *Memory) WriteSessionByHandle(ctx context.Context, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode, handleID string) (*multiplayer.SessionDocument, error) {
	m.mu.Lock()
	ref, ok := m.handles[handleID]
	m.mu.Unlock()
	if !ok {
		return nil, &multiplayer.ServiceError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("handle %s not found", handleID)}
	}

	if doc == nil {
		doc = multiplayer.NewSessionDocument(ref)
	} else {
		doc = doc.Clone()
	}
	doc.Reference = ref
	return m.WriteSession(ctx, doc, mode)
}

// GetCurrentSession returns the stored document.
func (m *Memory) GetCurrentSession(ctx context.Context, ref multiplayer.SessionReference) (*multiplayer.SessionDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if err := m.takeFailureLocked(); err != nil {
		return nil, err
	}
	cur, ok := m.sessions[ref]
	if !ok {
		return nil, notFound(ref)
	}
	return cur.Clone(), nil
}

// CreateHandle returns a new handle pointing at ref.
func (m *Memory) CreateHandle(ref multiplayer.SessionReference) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.handles[id] = ref
	m.mu.Unlock()
	return id
}

// Subscribe registers fn for every session change. The returned function
// removes the subscription.
func (m *Memory) Subscribe(fn func(multiplayer.SessionChangeEvent)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Mutate applies fn to a stored session as another client would, bumping the
// change number and notifying subscribers.
func (m *Memory) Mutate(ref multiplayer.SessionReference, fn func(doc *multiplayer.SessionDocument)) (*multiplayer.SessionDocument, error) {
	m.mu.Lock()
	cur, ok := m.sessions[ref]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(ref)
	}
	next := cur.Clone()
	fn(next)
	next.Reference = ref
	next.ChangeNumber = cur.ChangeNumber + 1
	next.ETag = etag(next.ChangeNumber)
	m.sessions[ref] = next
	subs := m.subscribersLocked()
	m.mu.Unlock()

	evt := multiplayer.SessionChangeEvent{Reference: ref, ChangeNumber: next.ChangeNumber}
	for _, f := range subs {
		f(evt)
	}
	return next.Clone(), nil
}

// FailNext makes the next call fail with err, before it is applied.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

// Session returns a copy of the stored session.
func (m *Memory) Session(ref multiplayer.SessionReference) (*multiplayer.SessionDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[ref]
	if !ok {
		return nil, false
	}
	return cur.Clone(), true
}

// Calls returns how many writes and gets were served.
func (m *Memory) Calls() (writes, gets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.gets
}

func (m *Memory) takeFailureLocked() error {
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

func (m *Memory) subscribersLocked() []func(multiplayer.SessionChangeEvent) {
	out := make([]func(multiplayer.SessionChangeEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func (m *Memory) applyLocked(doc *multiplayer.SessionDocument, mode multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	ref := doc.Reference
	cur, exists := m.sessions[ref]

	switch mode {
	case multiplayer.WriteModeCreateNew:
		if exists {
			return cur.Clone(), &multiplayer.ServiceError{StatusCode: http.StatusConflict, Message: "session already exists"}
		}
	case multiplayer.WriteModeUpdateExisting:
		if !exists {
			return nil, notFound(ref)
		}
	case multiplayer.WriteModeSynchronizedUpdate:
		if !exists {
			return nil, notFound(ref)
		}
		if doc.ChangeNumber != cur.ChangeNumber {
			return cur.Clone(), &multiplayer.ServiceError{
				StatusCode: http.StatusPreconditionFailed,
				Message:    fmt.Sprintf("change number %d is stale, session is at %d", doc.ChangeNumber, cur.ChangeNumber),
			}
		}
	case multiplayer.WriteModeUpdateOrCreateNew:
	default:
		return nil, &multiplayer.ServiceError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("unknown write mode %d", mode)}
	}

	if !exists {
		cur = multiplayer.NewSessionDocument(ref)
	}
	next := patch(cur, doc)
	next.ChangeNumber = cur.ChangeNumber + 1
	next.ETag = etag(next.ChangeNumber)
	m.sessions[ref] = next
	return next.Clone(), nil
}

// patch merges the fields set in doc into a copy of cur. A nil member entry
// removes that member.
func patch(cur, doc *multiplayer.SessionDocument) *multiplayer.SessionDocument {
	next := cur.Clone()
	doc = doc.Clone()
	if next.Properties.Custom == nil {
		next.Properties.Custom = make(map[string]json.RawMessage)
	}
	maps.Copy(next.Properties.Custom, doc.Properties.Custom)
	if doc.Properties.HostDeviceToken != "" {
		next.Properties.HostDeviceToken = doc.Properties.HostDeviceToken
	}
	// A join restriction means the writer stated joinability, so Closed is
	// taken as written. Otherwise only closing is patched.
	if doc.Properties.JoinRestriction != "" {
		next.Properties.JoinRestriction = doc.Properties.JoinRestriction
		next.Properties.Closed = doc.Properties.Closed
	} else if doc.Properties.Closed {
		next.Properties.Closed = true
	}

	if next.Members == nil {
		next.Members = make(map[string]*multiplayer.Member)
	}
	for xuid, member := range doc.Members {
		if member == nil {
			delete(next.Members, xuid)
			continue
		}
		mc := *member
		mc.Xuid = xuid
		next.Members[xuid] = &mc
	}
	return next
}

func notFound(ref multiplayer.SessionReference) error {
	return &multiplayer.ServiceError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("session %s not found", ref)}
}

func etag(changeNumber uint64) string {
	return fmt.Sprintf("%q", fmt.Sprint(changeNumber))
}
