package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Connection is one duplex channel for a single recipient, identified by
// the recipient id it connected with (not authenticated).
// A recipient may hold more than one (multiple devices), so Push fans out
// to all of them.
type Connection struct {
	recipientID string
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub is the connection registry Notification pushes through. Wiring the
// actual transport (auth handshake, TLS termination, reconnect/backoff on
// the client) is out of scope here — the registry only needs to answer "is
// this recipient connected right now" and "hand this payload to them".
type Hub struct {
	log *slog.Logger

	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[c.recipientID] == nil {
		h.connections[c.recipientID] = make(map[*Connection]struct{})
	}
	h.connections[c.recipientID][c] = struct{}{}
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[c.recipientID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.connections, c.recipientID)
	}
	c.close()
}

// Connected reports whether recipientID currently holds at least one open
// connection.
func (h *Hub) Connected(recipientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[recipientID]) > 0
}

// Push attempts an immediate send to every connection recipientID holds.
// It reports whether at least one connection accepted the payload; the
// caller treats that as delivered and leaves the row undelivered otherwise.
func (h *Hub) Push(recipientID string, payload []byte) bool {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections[recipientID]))
	for c := range h.connections[recipientID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		select {
		case c.send <- payload:
			delivered = true
		default:
			h.log.Warn("dropping push, connection send buffer full", slog.String("recipient_id", recipientID))
		}
	}
	return delivered
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *Connection) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// The client never sends anything meaningful on this channel — it
		// exists to detect disconnects and keep pong handling alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
