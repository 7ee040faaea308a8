package lifecycle

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// Route keys, as used by API Gateway WebSocket APIs.
const (
	RouteConnect     = "$connect"
	RouteDisconnect  = "$disconnect"
	RouteSubscribe   = "subscribe"
	RouteUnsubscribe = "unsubscribe"
)

// Request is one lifecycle command from the transport.
type Request struct {
	RouteKey     string
	ConnectionID string
	Identity     auth.Identity
	Body         []byte
}

// Response is the status reported back to the transport for one command.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// Dispatch runs the command named by req.RouteKey and maps its outcome to a
// status. Unknown routes get 404 and change nothing.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	var err error
	switch req.RouteKey {
	case RouteConnect:
		err = h.OnConnect(ctx, req.ConnectionID, req.Identity)
	case RouteDisconnect:
		err = h.OnDisconnect(ctx, req.ConnectionID)
	case RouteSubscribe:
		err = h.OnSubscribe(ctx, req.ConnectionID, req.Body)
	case RouteUnsubscribe:
		err = h.OnUnsubscribe(ctx, req.ConnectionID, req.Body)
	default:
		h.logger.Debug("unknown route", zap.String("route_key", req.RouteKey), zap.String("connection_id", req.ConnectionID))
		return Response{StatusCode: http.StatusNotFound, Body: "Route not found"}
	}

	if err == nil {
		return Response{StatusCode: http.StatusOK}
	}

	kind := notify.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("lifecycle command failed",
			zap.String("route_key", req.RouteKey),
			zap.String("connection_id", req.ConnectionID),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("lifecycle command rejected",
			zap.String("route_key", req.RouteKey),
			zap.String("connection_id", req.ConnectionID),
			zap.Error(err),
		)
	}
	return Response{StatusCode: status, Body: http.StatusText(status)}
}
