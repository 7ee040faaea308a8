// Package ws is the self-hosted duplex transport: a gorilla/websocket
// endpoint whose hub doubles as the delivery engine's Pusher.
//
// The hub only reaches sockets held by this process. Running more than one
// replica with this transport needs sticky routing or the API Gateway pusher.
package ws

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/delivery"
)

var (
	// ErrUnknownConnection is reported as Gone: no socket with that id lives here.
	ErrUnknownConnection = errors.New("ws: unknown connection")
	// ErrSlowConsumer is reported as Failed: the client's send buffer is full.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

// Hub tracks the live clients of this process. It is safe for concurrent use.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHub allocates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.Named("ws"),
	}
}

var _ delivery.Pusher = (*Hub)(nil)

// Register adds a client. It must be called before the client's connection
// record is created so acknowledgements can reach it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("connection_id", c.ID), zap.String("user_id", c.UserID))
}

// Unregister removes a client and closes its send channel. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("client unregistered", zap.String("connection_id", c.ID))
}

// Push enqueues payload on the client's send buffer. An id with no local
// socket is Gone; a full buffer or an expired ctx is Failed.
func (h *Hub) Push(ctx context.Context, connectionID string, payload []byte) delivery.Result {
	if err := ctx.Err(); err != nil {
		return delivery.Failed(err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return delivery.Gone(ErrUnknownConnection)
	}
	select {
	case c.send <- payload:
		return delivery.Delivered()
	default:
		return delivery.Failed(ErrSlowConsumer)
	}
}

// Count returns the number of local clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unregisters every client, which makes their write pumps send a close
// frame and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
