// Package httputil holds small JSON response helpers shared by the HTTP
// handlers.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// MaxBodyBytes caps request bodies read by ReadBody.
const MaxBodyBytes = 1 << 20

// WriteJSON writes v as JSON with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// WriteError writes a JSON error response with the given status and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr maps err to a status through its notify.Kind. Server-side
// failures get the generic status text so internals do not leak.
func WriteErr(w http.ResponseWriter, err error) {
	status := notify.KindOf(err).HTTPStatus()
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	WriteError(w, status, msg)
}

// ReadBody reads at most MaxBodyBytes of the request body. An oversized body
// is a BadRequest.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, notify.E(notify.KindBadRequest, "http.read_body", err)
	}
	return body, nil
}
