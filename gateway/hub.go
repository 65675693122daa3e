package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBuffer is the per-client outbound queue; clients that cannot drain it
// are dropped rather than allowed to stall the broadcast path.
const sendBuffer = 64

// Hub owns the set of live WebSocket clients and the broadcast primitive.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// Client is one connected WebSocket peer. The send channel is never closed;
// done signals the write loop so a concurrent broadcast can never hit a
// closed channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// Register wraps a fresh connection and starts its write loop.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket connected", "ws_connections", count)
	go c.writeLoop()
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("WebSocket disconnected", "ws_connections", count)
	}
}

// Count reports the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one JSON message to every client. Clients with a full
// outbound queue are dropped.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Broadcast marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

// Send enqueues one JSON message for this client only.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		return websocket.ErrCloseSent
	}
	return nil
}

// enqueue puts one frame on the outbound queue. A closed client drops the
// frame; a client with a full queue is closed.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.Close()
		return false
	}
}

// Close tears the client down; safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

// writeLoop drains the send queue onto the wire until the client is closed.
func (c *Client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop blocks until the peer disconnects; inbound frames are ignored.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
