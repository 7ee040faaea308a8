package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/httputil"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/lifecycle"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/middleware"
)

// ConnectionIDHeader names the connection a callback is about.
const ConnectionIDHeader = "X-Connection-Id"

// Dispatcher runs lifecycle commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req lifecycle.Request) lifecycle.Response
}

// CallbackHandler receives lifecycle callbacks from a managed websocket
// gateway, one POST per route key. The connect callback must carry the
// client's bearer token.
type CallbackHandler struct {
	dispatcher Dispatcher
	verifier   auth.Verifier
	timeout    time.Duration
}

func NewCallbackHandler(d Dispatcher, v auth.Verifier) *CallbackHandler {
	return &CallbackHandler{dispatcher: d, verifier: v}
}

// WithTimeout bounds every dispatched command. Zero leaves the request
// context as is.
func (h *CallbackHandler) WithTimeout(d time.Duration) *CallbackHandler {
	h.timeout = d
	return h
}

// RegisterRoutes wires POST /callbacks/{routeKey}.
func (h *CallbackHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/callbacks/"+lifecycle.RouteConnect,
		middleware.AuthMiddleware(h.verifier)(http.HandlerFunc(h.handleCallback)),
	).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/{routeKey}", h.handleCallback).Methods(http.MethodPost)
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	routeKey := mux.Vars(r)["routeKey"]
	if routeKey == "" {
		routeKey = lifecycle.RouteConnect
	}

	connectionID := r.Header.Get(ConnectionIDHeader)
	if connectionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing "+ConnectionIDHeader+" header")
		return
	}

	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	identity, _ := auth.IdentityFromContext(ctx)
	resp := h.dispatcher.Dispatch(ctx, lifecycle.Request{
		RouteKey:     routeKey,
		ConnectionID: connectionID,
		Identity:     identity,
		Body:         body,
	})
	httputil.WriteJSON(w, resp.StatusCode, resp)
}
