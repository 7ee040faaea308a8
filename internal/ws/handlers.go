package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/lifecycle"
)

// WSHandler upgrades HTTP connections to WebSocket and spawns the read/write
// pumps for the new client.
type WSHandler struct {
	hub        *Hub
	verifier   auth.Verifier
	dispatcher Dispatcher
	opTimeout  time.Duration
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// HandlerOptions configures a WSHandler.
type HandlerOptions struct {
	AllowedOrigins   []string
	OperationTimeout time.Duration
}

func NewWSHandler(hub *Hub, verifier auth.Verifier, dispatcher Dispatcher, logger *zap.Logger, opts HandlerOptions) *WSHandler {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Second
	}
	return &WSHandler{
		hub:        hub,
		verifier:   verifier,
		dispatcher: dispatcher,
		opTimeout:  opts.OperationTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     OriginChecker(opts.AllowedOrigins),
		},
		logger: logger.Named("ws"),
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS authenticates the handshake, upgrades it and runs the connect
// command for the new client. The token is read by auth.TokenFromRequest.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Debug("handshake rejected", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	client := NewClient(h.hub, conn, identity.UserID)
	h.hub.Register(client)

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	resp := h.dispatcher.Dispatch(ctx, lifecycle.Request{
		RouteKey:     lifecycle.RouteConnect,
		ConnectionID: client.ID,
		Identity:     identity,
	})
	cancel()
	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("connect failed",
			zap.String("connection_id", client.ID),
			zap.String("user_id", identity.UserID),
			zap.Int("status", resp.StatusCode),
		)
		h.hub.Unregister(client)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, resp.Body),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.Info("client connected", zap.String("connection_id", client.ID), zap.String("user_id", identity.UserID))

	go client.WritePump()
	go client.ReadPump(h.dispatcher, h.opTimeout)
}
