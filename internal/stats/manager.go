package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/calltimer"
)

var (
	// ErrUserExists is returned when a local user is added twice.
	ErrUserExists = errors.New("user already in local map")

	// ErrUserNotFound is returned for users that were never added or were removed.
	ErrUserNotFound = errors.New("user not found in local map")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("stats manager closed")
)

// Default flush cadences.
const (
	DefaultNormalInterval  = 30 * time.Second
	DefaultHighInterval    = 5 * time.Second
	DefaultBackgroundFlush = 5 * time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithOfflineSink stores documents whose upload failed.
func WithOfflineSink(s OfflineSink) Option {
	return func(m *Manager) {
		m.offline = s
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock drives flush timers and revisions from c.
func WithClock(c calltimer.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithIntervals sets the normal and high priority flush cooldowns.
func WithIntervals(normal, high time.Duration) Option {
	return func(m *Manager) {
		if normal > 0 {
			m.normalInterval = normal
		}
		if high > 0 {
			m.highInterval = high
		}
	}
}

// WithBackgroundFlush sets how often dirty documents are flushed without a
// request. Zero disables the background flush.
func WithBackgroundFlush(period time.Duration) Option {
	return func(m *Manager) {
		m.backgroundPeriod = period
	}
}

type userState struct {
	doc      *ValueDocument
	flushing bool
	again    bool // a flush was requested while one was running
	removing bool
}

// Manager keeps a ValueDocument per local user and flushes them to the
// service on request, at most one upload per user at a time.
type Manager struct {
	service          StatsService
	offline          OfflineSink // Optional, can be nil
	logger           *log.Logger
	clock            calltimer.Clock
	normalInterval   time.Duration
	highInterval     time.Duration
	backgroundPeriod time.Duration

	mu     sync.Mutex
	users  map[string]*userState
	events []StatEvent
	closed bool
	bg     calltimer.Timer

	normal *calltimer.BufferTimer
	high   *calltimer.BufferTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager writing to service.
func NewManager(service StatsService, opts ...Option) *Manager {
	m := &Manager{
		service:          service,
		logger:           log.Default(),
		clock:            calltimer.SystemClock{},
		normalInterval:   DefaultNormalInterval,
		highInterval:     DefaultHighInterval,
		backgroundPeriod: DefaultBackgroundFlush,
		users:            make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.normal = calltimer.New(m.normalInterval, m.flushUsers, calltimer.WithClock(m.clock))
	m.high = calltimer.New(m.highInterval, m.flushUsers, calltimer.WithClock(m.clock))
	if m.backgroundPeriod > 0 {
		m.bg = m.clock.AfterFunc(m.backgroundPeriod, m.backgroundFlush)
	}
	return m
}

// AddLocalUser starts tracking xuid and loads its document in the background.
// A LocalUserAdded event reports the outcome.
func (m *Manager) AddLocalUser(xuid string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("stats: add %s: %w", xuid, ErrClosed)
	}
	if _, ok := m.users[xuid]; ok {
		m.mu.Unlock()
		return fmt.Errorf("stats: add %s: %w", xuid, ErrUserExists)
	}
	u := &userState{doc: NewValueDocument()}
	m.users[xuid] = u
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := m.load(xuid, u)
		if err != nil {
			m.logger.Error("could not load stats document", "xuid", xuid, "err", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.users[xuid] != u {
			m.logger.Warn("user removed before stats document loaded", "xuid", xuid)
			return
		}
		m.events = append(m.events, StatEvent{Type: LocalUserAdded, Xuid: xuid, Err: err})
	}()
	return nil
}

// load fetches and merges the service document. A missing document counts
// as an empty one.
func (m *Manager) load(xuid string, u *userState) error {
	snap, err := m.service.GetDocument(m.ctx, xuid)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if u.doc.State() == NotLoaded {
		u.doc.Merge(snap)
	}
	return nil
}

// RemoveLocalUser stops tracking xuid. Unflushed changes are written first and
// the LocalUserRemoved event carries the result of that write.
func (m *Manager) RemoveLocalUser(xuid string) error {
	m.mu.Lock()
	u, ok := m.users[xuid]
	if !ok || u.removing {
		m.mu.Unlock()
		return fmt.Errorf("stats: remove %s: %w", xuid, ErrUserNotFound)
	}

	u.doc.DoWork()
	if !u.doc.IsDirty() {
		delete(m.users, xuid)
		m.events = append(m.events, StatEvent{Type: LocalUserRemoved, Xuid: xuid})
		m.mu.Unlock()
		return nil
	}

	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("stats: remove %s: %w", xuid, ErrClosed)
	}
	u.removing = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := m.upload(xuid, u)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.users[xuid] == u {
			delete(m.users, xuid)
		}
		m.events = append(m.events, StatEvent{Type: LocalUserRemoved, Xuid: xuid, Err: err})
	}()
	return nil
}

// SetStatNumber queues a numeric stat that always replaces the stored value.
func (m *Manager) SetStatNumber(xuid, name string, value float64) error {
	return m.SetStat(xuid, name, Number(value), ReplaceAlways)
}

// SetStatString queues a string stat.
func (m *Manager) SetStatString(xuid, name, value string) error {
	return m.SetStat(xuid, name, Text(value), ReplaceAlways)
}

// SetStat queues a stat change. Nothing is sent until a flush is requested.
func (m *Manager) SetStat(xuid, name string, value Value, policy ReplacePolicy) error {
	return m.withUser(xuid, func(u *userState) error {
		u.doc.SetStat(name, value, policy)
		return nil
	})
}

// DeleteStat queues a stat removal.
func (m *Manager) DeleteStat(xuid, name string) error {
	return m.withUser(xuid, func(u *userState) error {
		u.doc.DeleteStat(name)
		return nil
	})
}

// Stat returns an applied stat value.
func (m *Manager) Stat(xuid, name string) (StatValue, error) {
	var out StatValue
	err := m.withUser(xuid, func(u *userState) error {
		var err error
		out, err = u.doc.Stat(name)
		return err
	})
	return out, err
}

// StatNames returns the applied stat names for xuid.
func (m *Manager) StatNames(xuid string) ([]string, error) {
	var out []string
	err := m.withUser(xuid, func(u *userState) error {
		out = u.doc.StatNames()
		return nil
	})
	return out, err
}

// IsDirty reports whether xuid has changes the service has not confirmed.
func (m *Manager) IsDirty(xuid string) (bool, error) {
	var dirty bool
	err := m.withUser(xuid, func(u *userState) error {
		dirty = u.doc.IsDirty()
		return nil
	})
	return dirty, err
}

func (m *Manager) withUser(xuid string, fn func(u *userState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[xuid]
	if !ok {
		return fmt.Errorf("stats: %s: %w", xuid, ErrUserNotFound)
	}
	return fn(u)
}

// RequestFlushToService schedules an upload of xuid's document. High priority
// requests use their own, shorter cooldown.
func (m *Manager) RequestFlushToService(xuid string, highPriority bool) error {
	m.mu.Lock()
	_, ok := m.users[xuid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stats: flush %s: %w", xuid, ErrUserNotFound)
	}

	if highPriority {
		m.high.Fire(xuid)
	} else {
		m.normal.Fire(xuid)
	}
	return nil
}

// DoWork applies queued stat changes for every user and returns the events
// produced since the previous call.
func (m *Manager) DoWork() []StatEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		u.doc.DoWork()
	}
	out := m.events
	m.events = nil
	return out
}

// Wait blocks until running loads and uploads have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops the flush timers, waits for running uploads and releases the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.bg != nil {
		m.bg.Stop()
	}
	m.mu.Unlock()

	m.normal.Stop()
	m.high.Stop()
	m.wg.Wait()
	m.cancel()
}

func (m *Manager) flushUsers(xuids []string) {
	for _, xuid := range xuids {
		m.flush(xuid)
	}
}

func (m *Manager) backgroundFlush() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var dirty []string
	for xuid, u := range m.users {
		if u.doc.IsDirty() || u.doc.PendingCount() > 0 {
			dirty = append(dirty, xuid)
		}
	}
	m.bg = m.clock.AfterFunc(m.backgroundPeriod, m.backgroundFlush)
	m.mu.Unlock()

	for _, xuid := range dirty {
		m.flush(xuid)
	}
}

// flush starts an upload for xuid unless one is already running, in which
// case one more upload follows it.
func (m *Manager) flush(xuid string) {
	m.mu.Lock()
	u, ok := m.users[xuid]
	if !ok || m.closed || u.removing {
		m.mu.Unlock()
		return
	}
	u.doc.DoWork()
	if u.flushing {
		u.again = true
		m.mu.Unlock()
		return
	}
	u.flushing = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		err := m.upload(xuid, u)

		m.mu.Lock()
		again := u.again
		u.again = false
		u.flushing = false
		if m.users[xuid] == u {
			m.events = append(m.events, StatEvent{Type: StatUpdateComplete, Xuid: xuid, Err: err})
		}
		m.mu.Unlock()

		if again {
			m.flush(xuid)
		}
	}()
}

// upload loads the document if needed, applies pending changes and writes it.
// On failure the document stays dirty and is handed to the offline sink.
func (m *Manager) upload(xuid string, u *userState) error {
	m.mu.Lock()
	loaded := u.doc.State() == Loaded
	m.mu.Unlock()

	if !loaded {
		if err := m.load(xuid, u); err != nil {
			return fmt.Errorf("stats: load %s: %w", xuid, err)
		}
	}

	m.mu.Lock()
	u.doc.DoWork()
	snap, seq := u.doc.BeginFlush(m.clock.Now())
	m.mu.Unlock()

	err := m.service.UpdateDocument(m.ctx, xuid, snap)
	if err != nil {
		m.logger.Error("could not write stats document", "xuid", xuid, "err", err)
		m.saveOffline(xuid, snap)
		return fmt.Errorf("stats: update %s: %w", xuid, err)
	}

	m.mu.Lock()
	u.doc.ConfirmFlush(seq)
	m.mu.Unlock()

	m.logger.Debug("stats document written", "xuid", xuid, "revision", snap.Revision, "stats", len(snap.Stats.Title))
	return nil
}

func (m *Manager) saveOffline(xuid string, snap *Snapshot) {
	if m.offline == nil {
		return
	}
	payload, err := snap.Marshal()
	if err != nil {
		m.logger.Error("could not encode offline stats document", "xuid", xuid, "err", err)
		return
	}
	if err := m.offline.SaveOfflineDocument(m.ctx, xuid, payload); err != nil {
		m.logger.Error("could not save offline stats document", "xuid", xuid, "err", err)
	}
}
