// Package server assembles the HTTP surface: websocket upgrade, gateway
// callbacks, event ingestion and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/httputil"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/middleware"
)

// RouteRegistrar is implemented by every handler group.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures the HTTP server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
}

// New builds the router and wraps it in an http.Server. Handlers are
// registered in order.
func New(opts Options, logger *zap.Logger, handlers ...RouteRegistrar) *http.Server {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger))

	r.HandleFunc("/healthz", healthzHandler(opts.Checks)).Methods(http.MethodGet)

	api := r.PathPrefix("").Subrouter()
	api.Use(middleware.RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	for _, h := range handlers {
		h.RegisterRoutes(api)
	}

	// No WriteTimeout: upgraded websocket connections outlive any request
	// deadline.
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           middleware.CORS(opts.AllowedOrigins)(r),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
}

func healthzHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		body := map[string]any{"status": "ok"}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if len(results) > 0 {
			body["checks"] = results
		}
		httputil.WriteJSON(w, status, body)
	}
}
