// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = pingInterval + 10*time.Second
	writeWait      = 10 * time.Second
	clientSendSize = 64
	maxFrameBytes  = 4096
)

// Frame is the wire shape of every WebSocket message in both directions.
type Frame struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	MessageID   string          `json:"message_id"`
	Correlation string          `json:"correlation,omitempty"`
}

func newFrame(frameType string, data any, correlation string) Frame {
	raw, _ := json.Marshal(data)
	return Frame{
		Type:        frameType,
		Data:        raw,
		Timestamp:   time.Now().UTC(),
		MessageID:   uuid.NewString(),
		Correlation: correlation,
	}
}

// client is one WebSocket connection with its subscription set.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan Frame
	topics map[string]struct{}
	mu     sync.Mutex
}

// wants reports whether the client subscribed to the event type. A "*"
// subscription matches everything; no subscription matches nothing.
func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics["*"]; ok {
		return true
	}
	_, ok := c.topics[eventType]
	return ok
}

func (c *client) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *client) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

// Hub owns the bounded connection set and fans bus events out to
// subscribed clients.
type Hub struct {
	bus    *bus.Bus
	cfg    func() config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func newHub(b *bus.Bus, cfg func() config.Config) *Hub {
	return &Hub{
		bus:     b,
		cfg:     cfg,
		logger:  log.WithComponent("ws"),
		clients: make(map[string]*client),
	}
}

// Count reports the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Start launches the bus fan-out loop.
func (h *Hub) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.fanout(h.stop, h.done)
	return nil
}

// Stop disconnects every client and stops the fan-out loop.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	close(h.stop)
	done := h.done
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanout mirrors every bus event to the clients subscribed to its type.
func (h *Hub) fanout(stop, done chan struct{}) {
	defer close(done)
	sub := h.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-stop:
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e bus.Event) {
	frame := newFrame(e.Type, e.Payload, e.Correlation)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop the frame rather than block the hub.
			h.logger.Debug().
				Str("event", "ws.frame_dropped").
				Str("client", c.id).
				Str("type", e.Type).
				Msg("send buffer full")
		}
	}
}

func (h *Hub) add(c *client) bool {
	limit := h.cfg().Network.WSMaxConnections
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || (limit > 0 && len(h.clients) >= limit) {
		return false
	}
	h.clients[c.id] = c
	metrics.WSConnections.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	metrics.WSConnections.Set(float64(len(h.clients)))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxFrameBytes,
	WriteBufferSize: maxFrameBytes,
	// The gateway is on-robot infrastructure; origin policy is the
	// deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan Frame, clientSendSize),
		topics: make(map[string]struct{}),
	}
	if !s.hub.add(c) {
		frame := newFrame("error", map[string]any{"reason": "connection limit reached"}, "")
		_ = conn.WriteJSON(frame)
		_ = conn.Close()
		return
	}

	s.hub.logger.Info().
		Str("event", "ws.connected").
		Str("client", c.id).
		Str("remote", r.RemoteAddr).
		Msg("websocket client connected")

	c.send <- newFrame("connect", map[string]any{"client_id": c.id}, "")
	go s.hub.writePump(c)
	s.hub.readPump(c)
}

// subscribePayload is the body of subscribe/unsubscribe frames.
type subscribePayload struct {
	Topic string `json:"topic"`
}

// readPump consumes client frames until the connection dies, then removes
// the client.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		h.logger.Info().Str("event", "ws.disconnected").Str("client", c.id).Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case "ping":
			h.trySend(c, newFrame("pong", nil, frame.Correlation))
		case "subscribe", "unsubscribe":
			var p subscribePayload
			if err := json.Unmarshal(frame.Data, &p); err != nil || p.Topic == "" {
				h.trySend(c, newFrame("error", map[string]any{"reason": "topic required"}, frame.Correlation))
				continue
			}
			if frame.Type == "subscribe" {
				c.subscribe(p.Topic)
			} else {
				c.unsubscribe(p.Topic)
			}
			h.trySend(c, newFrame("response", map[string]any{
				"action": frame.Type,
				"topic":  p.Topic,
			}, frame.Correlation))
		default:
			h.trySend(c, newFrame("error", map[string]any{
				"reason": "unsupported frame type " + frame.Type,
			}, frame.Correlation))
		}
	}
}

func (h *Hub) trySend(c *client, f Frame) {
	select {
	case c.send <- f:
	default:
	}
}

// writePump serializes all writes for one client and drives the heartbeat.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
