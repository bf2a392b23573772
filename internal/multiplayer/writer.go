package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/calltimer"
)

// DefaultResyncCooldown is the minimum spacing between resync refetches.
const DefaultResyncCooldown = 30 * time.Second

// SessionUpdatedHandler observes every document the writer adopts.
type SessionUpdatedHandler func(doc *SessionDocument)

// HandlerToken identifies a registered SessionUpdatedHandler.
type HandlerToken uint64

// WriterOption configures a SessionWriter.
type WriterOption func(*SessionWriter)

// WithLogger sets the writer's logger.
func WithLogger(l *log.Logger) WriterOption {
	return func(w *SessionWriter) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock drives the resync cooldown from c.
func WithClock(c calltimer.Clock) WriterOption {
	return func(w *SessionWriter) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithResyncCooldown sets the resync cooldown window.
func WithResyncCooldown(d time.Duration) WriterOption {
	return func(w *SessionWriter) {
		if d > 0 {
			w.resyncCooldown = d
		}
	}
}

// WithMonotonicGuard controls whether results older than the cached document
// are ignored. Enabled by default.
func WithMonotonicGuard(enabled bool) WriterOption {
	return func(w *SessionWriter) {
		w.monotonic = enabled
	}
}

// SessionWriter owns the last-known-good session document and reconciles
// local writes with server change notifications.
//
// All state is guarded by one mutex which is never held across a service call.
// Writes may overlap; each one increments the in-flight counter before its call
// and decrements it exactly once when the call returns. Taps that arrive while
// writes are in flight are collapsed into at most one trailing refetch.
type SessionWriter struct {
	users          *LocalUserManager
	logger         *log.Logger
	clock          calltimer.Clock
	resyncCooldown time.Duration
	monotonic      bool

	mu               sync.Mutex
	session          *SessionDocument
	writesInProgress int
	tapReceived      bool
	tapChangeNumber  uint64
	id               uint64 // generation, bumped whenever the writer is reset
	resyncCount      int
	handlers         []registeredHandler // registration order
	nextToken        HandlerToken
	closed           bool

	resync *calltimer.BufferTimer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionWriter creates an unbound writer issuing calls on behalf of users.
func NewSessionWriter(users *LocalUserManager, opts ...WriterOption) *SessionWriter {
	w := &SessionWriter{
		users:          users,
		logger:         log.Default(),
		clock:          calltimer.SystemClock{},
		resyncCooldown: DefaultResyncCooldown,
		monotonic:      true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.resync = calltimer.New(w.resyncCooldown, w.resyncFired, calltimer.WithClock(w.clock))
	return w
}

// Session returns the cached document, or nil when unbound.
func (w *SessionWriter) Session() *SessionDocument {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// ID returns the writer generation.
func (w *SessionWriter) ID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// IsWriteInProgress reports whether any write is outstanding.
func (w *SessionWriter) IsWriteInProgress() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writesInProgress > 0
}

// WritesInProgress returns the in-flight write counter.
func (w *SessionWriter) WritesInProgress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writesInProgress
}

// IsTapReceived reports whether a tap arrived during the outstanding writes.
func (w *SessionWriter) IsTapReceived() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tapReceived
}

// TapChangeNumber returns the highest change number announced while writing.
// Only meaningful while IsTapReceived is true.
func (w *SessionWriter) TapChangeNumber() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tapChangeNumber
}

// UpdateSession binds the writer to doc. A nil doc resets the writer:
// the cached session, tap state and in-flight counter are cleared and
// completions of calls issued before the reset are discarded.
func (w *SessionWriter) UpdateSession(doc *SessionDocument) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if doc == nil {
		w.resetLocked()
		return
	}
	w.session = doc
}

func (w *SessionWriter) resetLocked() {
	w.id++
	w.session = nil
	w.tapReceived = false
	w.tapChangeNumber = 0
	w.writesInProgress = 0
	w.resyncCount = 0
}

// WriteSession writes doc with the primary user's service.
// When updateLatest is set an authoritative result replaces the cached session.
func (w *SessionWriter) WriteSession(ctx context.Context, doc *SessionDocument, mode WriteMode, updateLatest bool) (*SessionDocument, error) {
	user, ok := w.users.Primary()
	if !ok {
		return nil, ErrNoLocalUser
	}
	return w.write(ctx, user.Service, updateLatest, func(ctx context.Context) (*SessionDocument, error) {
		return user.Service.WriteSession(ctx, doc, mode)
	})
}

// WriteSessionByHandle writes doc through a session handle.
func (w *SessionWriter) WriteSessionByHandle(ctx context.Context, doc *SessionDocument, mode WriteMode, handleID string, updateLatest bool) (*SessionDocument, error) {
	user, ok := w.users.Primary()
	if !ok {
		return nil, ErrNoLocalUser
	}
	return w.write(ctx, user.Service, updateLatest, func(ctx context.Context) (*SessionDocument, error) {
		return user.Service.WriteSessionByHandle(ctx, doc, mode, handleID)
	})
}

func (w *SessionWriter) write(
	ctx context.Context,
	svc SessionService,
	updateLatest bool,
	call func(context.Context) (*SessionDocument, error),
) (*SessionDocument, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWriterReset
	}
	id := w.id
	w.writesInProgress++
	w.mu.Unlock()

	result, err := call(ctx)
	return w.completeWrite(ctx, svc, id, updateLatest, result, err)
}

// completeWrite reconciles a finished write with taps received while it was in flight.
func (w *SessionWriter) completeWrite(
	ctx context.Context,
	svc SessionService,
	id uint64,
	updateLatest bool,
	result *SessionDocument,
	err error,
) (*SessionDocument, error) {
	w.mu.Lock()
	if w.id != id {
		w.mu.Unlock()
		w.logger.Debug("discarding write completion after reset", "generation", id)
		return nil, ErrWriterReset
	}

	var notify []SessionUpdatedHandler
	if updateLatest && result != nil && IsAuthoritative(err) {
		if w.adoptLocked(result) {
			notify = w.handlersLocked()
		}
	}

	if w.writesInProgress > 0 {
		w.writesInProgress--
	}

	var (
		catchUp    bool
		background bool
		ref        SessionReference
	)
	if w.tapReceived && w.writesInProgress == 0 {
		w.tapReceived = false
		if w.session != nil && w.session.ChangeNumber < w.tapChangeNumber {
			ref = w.session.Reference
			if updateLatest {
				catchUp = true
			} else {
				background = true
			}
		}
		w.tapChangeNumber = 0
	}
	w.mu.Unlock()

	w.notify(result, notify)

	switch {
	case catchUp:
		fetched, ferr := w.fetch(ctx, svc, id, ref)
		if ferr != nil {
			w.logger.Warn("catch-up fetch failed", "session", ref, "err", ferr)
			return result, err
		}
		return fetched, nil
	case background:
		w.refetchAsync(ref)
	}
	return result, err
}

// adoptLocked records doc as the cached session unless the monotonic guard rejects it.
func (w *SessionWriter) adoptLocked(doc *SessionDocument) bool {
	if w.monotonic && w.session != nil &&
		w.session.Reference == doc.Reference &&
		doc.ChangeNumber < w.session.ChangeNumber {
		w.logger.Debug("ignoring older session document",
			"session", doc.Reference, "cached", w.session.ChangeNumber, "received", doc.ChangeNumber)
		return false
	}
	w.session = doc
	return true
}

type registeredHandler struct {
	token HandlerToken
	fn    SessionUpdatedHandler
}

func (w *SessionWriter) handlersLocked() []SessionUpdatedHandler {
	out := make([]SessionUpdatedHandler, 0, len(w.handlers))
	for _, h := range w.handlers {
		out = append(out, h.fn)
	}
	return out
}

func (w *SessionWriter) notify(doc *SessionDocument, handlers []SessionUpdatedHandler) {
	for _, h := range handlers {
		w.safeCall(h, doc)
	}
}

func (w *SessionWriter) safeCall(h SessionUpdatedHandler, doc *SessionDocument) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("session updated handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	h(doc)
}

// fetch reads the current session and adopts it if the writer was not reset meanwhile.
func (w *SessionWriter) fetch(ctx context.Context, svc SessionService, id uint64, ref SessionReference) (*SessionDocument, error) {
	doc, err := svc.GetCurrentSession(ctx, ref)

	w.mu.Lock()
	if w.id != id {
		w.mu.Unlock()
		return nil, ErrWriterReset
	}
	var notify []SessionUpdatedHandler
	if doc != nil && IsAuthoritative(err) {
		if w.adoptLocked(doc) {
			notify = w.handlersLocked()
		}
	}
	w.mu.Unlock()

	w.notify(doc, notify)
	return doc, err
}

// refetchAsync fetches the session in the background with the primary user's service.
func (w *SessionWriter) refetchAsync(ref SessionReference) {
	user, ok := w.users.Primary()
	if !ok {
		w.logger.Debug("skipping refetch without a local user", "session", ref)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	id := w.id
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		if _, err := w.fetch(w.ctx, user.Service, id, ref); err != nil && !errors.Is(err, ErrWriterReset) {
			w.logger.Warn("session refetch failed", "session", ref, "err", err)
		}
	}()
}

// OnSessionChanged handles a tap. While writes are outstanding the tap is
// recorded for the trailing refetch; otherwise a refetch starts immediately.
// Taps not newer than what is already known are ignored.
func (w *SessionWriter) OnSessionChanged(evt SessionChangeEvent) {
	w.mu.Lock()
	if w.session != nil && !evt.Reference.IsZero() && evt.Reference != w.session.Reference {
		w.mu.Unlock()
		return
	}

	if w.writesInProgress > 0 {
		stale := w.session != nil && evt.ChangeNumber <= w.session.ChangeNumber
		if !stale && evt.ChangeNumber > w.tapChangeNumber {
			w.tapReceived = true
			w.tapChangeNumber = evt.ChangeNumber
		}
		w.mu.Unlock()
		return
	}

	if w.session == nil || evt.ChangeNumber <= w.session.ChangeNumber {
		w.mu.Unlock()
		return
	}
	ref := w.session.Reference
	w.mu.Unlock()

	w.refetchAsync(ref)
}

// CommitPendingChanges applies queue to a copy of the cached session and
// writes it. One event is produced per change, all carrying the write error.
func (w *SessionWriter) CommitPendingChanges(ctx context.Context, queue []*PendingRequest, sessionType SessionType, isGameInProgress bool) ([]Event, error) {
	return w.commitPending(ctx, queue, sessionType, WriteModeUpdateExisting, isGameInProgress)
}

// CommitPendingSynchronizedChanges is CommitPendingChanges with synchronized semantics.
func (w *SessionWriter) CommitPendingSynchronizedChanges(ctx context.Context, queue []*PendingRequest, sessionType SessionType) ([]Event, error) {
	return w.commitPending(ctx, queue, sessionType, WriteModeSynchronizedUpdate, false)
}

func (w *SessionWriter) commitPending(ctx context.Context, queue []*PendingRequest, sessionType SessionType, mode WriteMode, isGameInProgress bool) ([]Event, error) {
	base := w.Session()
	if base == nil {
		return BuildEvents(queue, ErrSessionGone, sessionType), ErrSessionGone
	}

	doc := base.Clone()
	for _, req := range queue {
		req.Apply(doc, isGameInProgress)
	}

	_, err := w.WriteSession(ctx, doc, mode, true)
	if err != nil {
		err = fmt.Errorf("multiplayer: commit %s changes: %w", sessionType, err)
	}
	return BuildEvents(queue, err, sessionType), err
}

// CommitSynchronizedChanges writes doc with synchronized semantics.
func (w *SessionWriter) CommitSynchronizedChanges(ctx context.Context, doc *SessionDocument) (*SessionDocument, error) {
	return w.WriteSession(ctx, doc, WriteModeSynchronizedUpdate, true)
}

// LeaveRemoteSession removes every local user from the session referenced by
// doc, one write per user with that user's own service. The cached session is
// never updated by these writes. It stops at the first failure and otherwise
// returns the document from the last write.
func (w *SessionWriter) LeaveRemoteSession(ctx context.Context, doc *SessionDocument) (*SessionDocument, error) {
	if doc == nil {
		return nil, ErrSessionGone
	}
	users := w.users.Users()
	if len(users) == 0 {
		return nil, ErrNoLocalUser
	}

	var latest *SessionDocument
	for _, user := range users {
		leave := NewSessionDocument(doc.Reference)
		leave.Leave(user.Xuid)

		svc := user.Service
		result, err := w.write(ctx, svc, false, func(ctx context.Context) (*SessionDocument, error) {
			return svc.WriteSession(ctx, leave, WriteModeUpdateExisting)
		})
		if err != nil {
			return result, fmt.Errorf("multiplayer: leave %s as %s: %w", doc.Reference, user.Xuid, err)
		}
		latest = result
	}
	return latest, nil
}

// OnResyncMessageReceived records a resync signal from the notification channel.
func (w *SessionWriter) OnResyncMessageReceived() {
	w.mu.Lock()
	w.resyncCount++
	w.mu.Unlock()

	w.Resync()
}

// Resync schedules a synthetic tap if resync signals are pending. Bursts are
// collapsed into one refetch per cooldown window.
func (w *SessionWriter) Resync() {
	w.mu.Lock()
	ready := w.session != nil && w.resyncCount > 0 && !w.closed
	w.mu.Unlock()

	if ready {
		w.resync.Fire()
	}
}

// ResyncCount returns the number of resync signals not yet acted on.
func (w *SessionWriter) ResyncCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resyncCount
}

func (w *SessionWriter) resyncFired(_ []string) {
	w.mu.Lock()
	if w.session == nil || w.resyncCount == 0 {
		w.mu.Unlock()
		return
	}
	w.resyncCount = 0
	evt := SessionChangeEvent{
		Reference:    w.session.Reference,
		ChangeNumber: w.session.ChangeNumber + 1,
	}
	w.mu.Unlock()

	w.logger.Debug("resyncing session", "session", evt.Reference, "changeNumber", evt.ChangeNumber)
	w.OnSessionChanged(evt)
}

// AddSessionUpdatedHandler registers h and returns its token.
func (w *SessionWriter) AddSessionUpdatedHandler(h SessionUpdatedHandler) HandlerToken {
	if h == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextToken++
	w.handlers = append(w.handlers, registeredHandler{token: w.nextToken, fn: h})
	return w.nextToken
}

// RemoveSessionUpdatedHandler unregisters the handler behind tok.
func (w *SessionWriter) RemoveSessionUpdatedHandler(tok HandlerToken) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = slices.DeleteFunc(w.handlers, func(h registeredHandler) bool {
		return h.token == tok
	})
}

// Wait blocks until background refetches have finished.
func (w *SessionWriter) Wait() {
	w.wg.Wait()
}

// Close stops the resync timer, cancels background refetches and waits for
// them. Completions of calls still in flight are discarded.
func (w *SessionWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.id++
	w.mu.Unlock()

	w.resync.Stop()
	w.cancel()
	w.wg.Wait()
}
