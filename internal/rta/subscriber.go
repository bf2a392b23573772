package rta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

// TapHandler receives decoded frames. multiplayer.Client and
// multiplayer.SessionWriter both satisfy it.
type TapHandler interface {
	OnSessionChanged(evt multiplayer.SessionChangeEvent)
	OnResyncMessageReceived()
}

var (
	_ TapHandler = (*multiplayer.Client)(nil)
	_ TapHandler = (*multiplayer.SessionWriter)(nil)
)

// Backoff bounds for reconnect attempts.
const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the subscriber's logger.
func WithSubscriberLogger(l *log.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBackoff sets the reconnect delay bounds. The delay doubles after every
// failed dial and resets once a connection succeeds.
func WithBackoff(minDelay, maxDelay time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if minDelay > 0 {
			s.minBackoff = minDelay
		}
		if maxDelay >= s.minBackoff {
			s.maxBackoff = maxDelay
		}
	}
}

// WithOnConnect registers a callback run after every successful dial.
func WithOnConnect(fn func()) SubscriberOption {
	return func(s *Subscriber) {
		s.onConnect = fn
	}
}

// Subscriber keeps a WebSocket connection to a Hub open and dispatches frames
// to its handlers. Every reconnect is followed by a resync, since taps sent
// while disconnected are lost.
type Subscriber struct {
	url        string
	dialer     *websocket.Dialer
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	onConnect  func()

	mu          sync.Mutex // protects the fields below
	handlers    []TapHandler
	connections int
	frames      int
}

// NewSubscriber creates a subscriber for the hub at url (ws:// or wss://).
func NewSubscriber(url string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     log.Default(),
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHandler registers h for every subsequent frame.
func (s *Subscriber) AddHandler(h TapHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Connections returns how many times a connection has been established.
func (s *Subscriber) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Frames returns how many frames have been dispatched.
func (s *Subscriber) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff.
// It returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.minBackoff
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("rta dial failed", "url", s.url, "retry_in", delay, "err", err)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, s.maxBackoff)
			continue
		}
		delay = s.minBackoff

		s.mu.Lock()
		s.connections++
		reconnect := s.connections > 1
		s.mu.Unlock()
		s.logger.Info("rta connected", "url", s.url, "reconnect", reconnect)
		if s.onConnect != nil {
			s.onConnect()
		}
		if reconnect {
			s.dispatch(Frame{Type: FrameResync})
		}

		err = s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("rta connection lost", "url", s.url, "err", err)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("rta: closed by hub: %w", err)
			}
			return fmt.Errorf("rta: read: %w", err)
		}
		f, err := ParseFrame(data)
		if err != nil {
			s.logger.Warn("ignoring rta frame", "err", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *Subscriber) dispatch(f Frame) {
	s.mu.Lock()
	s.frames++
	handlers := append([]TapHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		switch f.Type {
		case FrameTap:
			h.OnSessionChanged(f.Event())
		case FrameResync:
			h.OnResyncMessageReceived()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
