package multiplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// ErrInvalidArgument is returned for malformed mutation requests.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultDoWorkInterval is how often a started Client commits pending changes.
const DefaultDoWorkInterval = 100 * time.Millisecond

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSink delivers events produced by the work loop to s.
func WithSink(s EventSink) ClientOption {
	return func(c *Client) {
		c.sink = s
	}
}

// WithRecorder persists events produced by the work loop.
func WithRecorder(r EventRecorder) ClientOption {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithDoWorkInterval sets the work loop period.
func WithDoWorkInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client accumulates title mutations for one session and commits them
// through a SessionWriter, at most one batch at a time.
type Client struct {
	sessionType SessionType
	writer      *SessionWriter
	sink        EventSink     // Optional, can be nil
	recorder    EventRecorder // Optional, can be nil
	interval    time.Duration
	logger      *log.Logger

	pending *PendingQueue
	events  EventQueue

	mu         sync.Mutex
	processing map[uint64]*PendingRequest

	commitInProgress atomic.Bool
	gameInProgress   atomic.Bool

	wg       sync.WaitGroup // commits and recorder calls
	loopWG   sync.WaitGroup // work loop started by Start
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client for a lobby or game session.
func NewClient(sessionType SessionType, writer *SessionWriter, opts ...ClientOption) *Client {
	c := &Client{
		sessionType: sessionType,
		writer:      writer,
		interval:    DefaultDoWorkInterval,
		logger:      log.Default(),
		pending:     NewPendingQueue(),
		processing:  make(map[uint64]*PendingRequest),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Writer returns the session writer behind the client.
func (c *Client) Writer() *SessionWriter {
	return c.writer
}

// SessionType returns the session type the client commits for.
func (c *Client) SessionType() SessionType {
	return c.sessionType
}

// SetJoinability queues a joinability change.
func (c *Client) SetJoinability(j Joinability, context any) error {
	if j == JoinabilityNone {
		return fmt.Errorf("multiplayer: joinability must be set: %w", ErrInvalidArgument)
	}
	c.pending.Push(&PendingRequest{Joinability: j, Context: context})
	return nil
}

// SetProperties queues a session property write. value is marshalled to JSON.
func (c *Client) SetProperties(name string, value any, context any) error {
	raw, err := marshalProperty(name, value)
	if err != nil {
		return err
	}
	c.pending.Push(&PendingRequest{
		SessionProperties: map[string]json.RawMessage{name: raw},
		Context:           context,
	})
	return nil
}

// SetSynchronizedHost queues a synchronized host device token write.
func (c *Client) SetSynchronizedHost(deviceToken string, context any) error {
	if deviceToken == "" {
		return fmt.Errorf("multiplayer: empty host device token: %w", ErrInvalidArgument)
	}
	c.pending.Push(&PendingRequest{SynchronizedHostDeviceToken: deviceToken, Context: context})
	return nil
}

// SetSynchronizedProperties queues a synchronized session property write.
func (c *Client) SetSynchronizedProperties(name string, value any, context any) error {
	raw, err := marshalProperty(name, value)
	if err != nil {
		return err
	}
	c.pending.Push(&PendingRequest{
		SynchronizedSessionProperties: map[string]json.RawMessage{name: raw},
		Context:                       context,
	})
	return nil
}

func marshalProperty(name string, value any) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("multiplayer: empty property name: %w", ErrInvalidArgument)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("multiplayer: marshal property %q: %w", name, err)
	}
	return raw, nil
}

// SetGameInProgress records whether a game is running, which affects how
// JoinabilityDisableWhileGameInProgress is written.
func (c *Client) SetGameInProgress(inProgress bool) {
	c.gameInProgress.Store(inProgress)
}

// DoWork starts committing the next batch of same-kind pending requests if no
// commit is running, and returns the events completed since the last call.
func (c *Client) DoWork(ctx context.Context) []Event {
	if c.commitInProgress.CompareAndSwap(false, true) {
		batch, kind := c.pending.NextBatch()
		if len(batch) == 0 {
			c.commitInProgress.Store(false)
		} else {
			c.addProcessing(batch)
			c.wg.Add(1)
			go c.commit(ctx, batch, kind)
		}
	}
	return c.events.Drain()
}

func (c *Client) commit(ctx context.Context, batch []*PendingRequest, kind RequestKind) {
	defer c.wg.Done()
	defer c.commitInProgress.Store(false)

	var (
		events []Event
		err    error
	)
	if kind == RequestKindSynchronized {
		events, err = c.writer.CommitPendingSynchronizedChanges(ctx, batch, c.sessionType)
	} else {
		events, err = c.writer.CommitPendingChanges(ctx, batch, c.sessionType, c.gameInProgress.Load())
	}
	if err != nil {
		c.logger.Warn("commit failed", "session", c.sessionType, "kind", kind, "requests", len(batch), "err", err)
	} else {
		c.logger.Debug("commit completed", "session", c.sessionType, "kind", kind, "requests", len(batch), "events", len(events))
	}

	c.events.Push(events...)
	c.removeProcessing(batch)
}

func (c *Client) addProcessing(batch []*PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range batch {
		c.processing[req.ID] = req
	}
}

func (c *Client) removeProcessing(batch []*PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range batch {
		delete(c.processing, req.ID)
	}
}

// Wait blocks until the running commit, if any, has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Drain commits everything pending, one batch at a time, and returns all
// resulting events.
func (c *Client) Drain(ctx context.Context) []Event {
	var out []Event
	for {
		out = append(out, c.DoWork(ctx)...)
		c.Wait()
		if c.PendingCount() == 0 && c.ProcessingCount() == 0 && c.events.Len() == 0 {
			return out
		}
		if ctx.Err() != nil {
			return append(out, c.events.Drain()...)
		}
	}
}

// PendingCount returns the number of requests not yet committed.
func (c *Client) PendingCount() int {
	return c.pending.Len()
}

// ProcessingCount returns the number of requests in the running commit.
func (c *Client) ProcessingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processing)
}

// OnSessionChanged routes a tap to the writer if it concerns this client's session.
func (c *Client) OnSessionChanged(evt SessionChangeEvent) {
	session := c.writer.Session()
	if session == nil || (!evt.Reference.IsZero() && evt.Reference != session.Reference) {
		return
	}
	c.writer.OnSessionChanged(evt)
}

// OnResyncMessageReceived forwards a resync signal to the writer.
func (c *Client) OnResyncMessageReceived() {
	c.writer.OnResyncMessageReceived()
}

// Start begins the client's background work loop.
func (c *Client) Start(ctx context.Context) {
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		c.loop(ctx)
	}()
}

// Stop shuts down the work loop and waits for it to exit, then for the
// running commit and any outstanding recorder calls. No event is sent or
// recorded after Stop returns.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.loopWG.Wait()
	c.wg.Wait()
}

func (c *Client) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deliver(c.DoWork(ctx))
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliver(events []Event) {
	for _, evt := range events {
		if c.recorder != nil {
			// Best effort, don't block the loop on storage.
			c.wg.Add(1)
			go func(evt Event) {
				defer c.wg.Done()
				if err := c.recorder.RecordEvent(evt); err != nil {
					c.logger.Warn("failed to record event", "type", evt.Type, "err", err)
				}
			}(evt)
		}
		if c.sink != nil {
			c.sink.Send(evt)
		}
	}
}
