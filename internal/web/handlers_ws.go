package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"podsd/internal/resolver"
)

// WSHub fans resolver notifications out to WebSocket clients. Fan-out runs
// synchronously on the resolver's notify path: the payload is marshalled
// once, then queued per client. A client whose queue is full is dropped on
// the spot so one stalled browser tab cannot hold up device updates for
// the rest.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// attach adds a client. Returns false once the hub has stopped.
func (h *WSHub) attach(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// detach removes a client and closes its queue. Calling it for a client
// the hub already dropped is a no-op.
func (h *WSHub) detach(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Broadcast pushes a device notification to every connected client.
func (h *WSHub) Broadcast(n resolver.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("ws marshal", "reason", n.Reason, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client not draining, dropped",
				"reason", n.Reason,
				"model", fmt.Sprintf("0x%04X", n.State.ModelID))
		}
	}
}

// Stop drops every client and rejects later attaches. Safe to call
// multiple times.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	if !s.wsHub.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	go s.wsWritePump(client)

	// Clients only listen. The read side exists to notice the peer going
	// away; anything it sends is drained and ignored.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	s.wsHub.detach(client)
}

// wsWritePump drains the client queue onto the wire. It exits when the hub
// closes the queue (shutdown or eviction) or a write fails, and closes the
// connection either way, which also unblocks the handler's read loop.
func (s *Server) wsWritePump(client *wsClient) {
	defer client.conn.Close(websocket.StatusNormalClosure, "")
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			s.wsHub.detach(client)
			return
		}
	}
}
