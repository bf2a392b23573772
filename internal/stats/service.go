package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDocumentNotFound is returned by a StatsService for a user without a document.
var ErrDocumentNotFound = errors.New("stats document not found")

// StatsService stores one stats document per user.
type StatsService interface {
	GetDocument(ctx context.Context, xuid string) (*Snapshot, error)
	UpdateDocument(ctx context.Context, xuid string, doc *Snapshot) error
}

// OfflineSink receives documents that could not be written to the service.
type OfflineSink interface {
	SaveOfflineDocument(ctx context.Context, xuid string, payload []byte) error
}

// MemoryService is an in-process StatsService.
// Failures can be injected per operation.
type MemoryService struct {
	mu        sync.Mutex
	docs      map[string]*Snapshot
	getErr    error
	updateErr error
	gets      int
	updates   int
	hook      func(xuid string)
}

// NewMemoryService creates an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{docs: make(map[string]*Snapshot)}
}

// GetDocument returns a copy of the stored document.
func (s *MemoryService) GetDocument(ctx context.Context, xuid string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	doc, ok := s.docs[xuid]
	if !ok {
		return nil, fmt.Errorf("stats: %s: %w", xuid, ErrDocumentNotFound)
	}
	return copySnapshot(doc), nil
}

// UpdateDocument stores a copy of doc.
func (s *MemoryService) UpdateDocument(ctx context.Context, xuid string, doc *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.updates++
	err := s.updateErr
	if err == nil {
		s.docs[xuid] = copySnapshot(doc)
	}
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(xuid)
	}
	return err
}

// Put seeds the document for xuid.
func (s *MemoryService) Put(xuid string, doc *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[xuid] = copySnapshot(doc)
}

// Document returns the stored document for xuid.
func (s *MemoryService) Document(xuid string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[xuid]
	if !ok {
		return nil, false
	}
	return copySnapshot(doc), true
}

// FailGets makes GetDocument fail with err until reset with nil.
func (s *MemoryService) FailGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// FailUpdates makes UpdateDocument fail with err until reset with nil.
func (s *MemoryService) FailUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

// OnUpdate registers a hook called after every UpdateDocument.
func (s *MemoryService) OnUpdate(hook func(xuid string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls returns how many gets and updates were served.
func (s *MemoryService) Calls() (gets, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.updates
}

func copySnapshot(doc *Snapshot) *Snapshot {
	c := *doc
	c.Stats.Title = make(map[string]StatValue, len(doc.Stats.Title))
	for k, v := range doc.Stats.Title {
		c.Stats.Title[k] = v
	}
	return &c
}
