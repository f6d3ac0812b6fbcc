package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// LiveMessage is sent to websocket clients
type LiveMessage struct {
	Type     string              `json:"type"` // "hello", "tick"
	Tick     *poller.TickSummary `json:"tick,omitempty"`
	Readings []sensor.Reading    `json:"readings,omitempty"`
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams every tick to connected websocket clients. It implements
// poller.Mirror; a client that cannot keep up misses ticks instead of
// slowing the poller down.
type Hub struct {
	mu       sync.Mutex
	clients  map[*liveClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*liveClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "live").Logger(),
	}
}

// Name implements poller.Mirror
func (h *Hub) Name() string {
	return "live"
}

// Publish implements poller.Mirror
func (h *Hub) Publish(ctx context.Context, res *poller.TickResult) error {
	summary := res.Summary()
	data, err := json.Marshal(LiveMessage{Type: "tick", Tick: &summary, Readings: res.Readings})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Live client too slow, dropping tick")
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams ticks until the client leaves
// GET /api/live
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "live stream closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &liveClient{conn: ws, send: make(chan []byte, sendBuffer)}
	if hello, err := json.Marshal(LiveMessage{Type: "hello"}); err == nil {
		c.send <- hello
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		ws.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Str("remote", ws.RemoteAddr().String()).Msg("Live client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *liveClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	c.conn.Close()
}

// readLoop discards client messages and unregisters the client when the
// connection closes
func (h *Hub) readLoop(c *liveClient) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Live client disconnected")
			}
			return
		}
	}
}

func (h *Hub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
