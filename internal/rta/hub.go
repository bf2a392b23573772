package rta

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

const (
	maxMessageSize = 1 << 16
	writeWait      = 10 * time.Second
	sendBuffer     = 64
)

// DefaultPingInterval is how often the hub pings idle subscribers.
const DefaultPingInterval = 30 * time.Second

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(l *log.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPingInterval sets the keepalive ping period. Subscribers that do not
// answer within two periods are dropped.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans frames out to every connected subscriber.
type Hub struct {
	logger       *log.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	mu         sync.Mutex // protects the fields below
	clients    map[*client]struct{}
	broadcasts int
	dropped    int
}

// NewHub creates a hub with no subscribers.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:       log.Default(),
		pingInterval: DefaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), id: r.RemoteAddr}

	waitDuration := 2 * h.pingInterval
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("rta subscriber connected", "remote", c.id)

	go h.readPump(c, waitDuration)
	go h.writePump(c)
}

// readPump drains inbound frames so control messages are processed.
// Subscribers do not send anything meaningful.
func (h *Hub) readPump(c *client, waitDuration time.Duration) {
	defer func() {
		h.deregister(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.logger.Debug("rta subscriber timed out", "remote", c.id)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("rta read failed", "remote", c.id, "err", err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.deregister(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("rta write failed", "remote", c.id, "err", err)
				h.deregister(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.deregister(c)
				return
			}
		}
	}
}

func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends f to every subscriber. Subscribers whose buffer is full are
// disconnected; they resync when they reconnect.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("could not encode rta frame", "type", f.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts++
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped++
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("rta subscriber too slow, disconnecting", "remote", c.id)
		}
	}
}

// PublishTap broadcasts a tap frame. It has the signature expected by
// mpsd.Memory.Subscribe.
func (h *Hub) PublishTap(evt multiplayer.SessionChangeEvent) {
	h.Broadcast(TapFrame(evt))
}

// PublishResync broadcasts a resync frame.
func (h *Hub) PublishResync() {
	h.Broadcast(Frame{Type: FrameResync})
}

// DisconnectAll closes every subscriber connection.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	Clients    int
	Broadcasts int
	Dropped    int
}

// Stats returns the current counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Clients: len(h.clients), Broadcasts: h.broadcasts, Dropped: h.dropped}
}
