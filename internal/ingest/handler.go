package ingest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/httputil"
)

// Handler exposes the processor over HTTP.
type Handler struct {
	processor *Processor
}

func NewHandler(p *Processor) *Handler {
	return &Handler{processor: p}
}

// RegisterRoutes wires POST /events.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events", h.handleEvents).Methods(http.MethodPost)
}

// handleEvents accepts any envelope shape. It answers 200 with the counts
// even when every record was dropped, and 503 when redelivery is needed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}

	res, err := h.processor.Process(r.Context(), body)
	if err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     http.StatusText(http.StatusServiceUnavailable),
			"processed": res.Processed,
			"delivered": res.Delivered,
			"dropped":   res.Dropped,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
