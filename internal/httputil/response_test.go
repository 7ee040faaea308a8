package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1})

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"n":1}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"bad request keeps message", notify.Errorf(notify.KindBadRequest, "op", "topic is required"), http.StatusBadRequest, "op: bad_request: topic is required"},
		{"transient hides details", notify.Errorf(notify.KindTransient, "op", "dial tcp 10.0.0.1:6379"), http.StatusServiceUnavailable, "Service Unavailable"},
		{"plain error is internal", errStub("secret"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteErr(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := decodeError(t, rec); got != tt.message {
				t.Errorf("expected %q, got %q", tt.message, got)
			}
		})
	}
}

type errStub string

func (e errStub) Error() string { return string(e) }

func TestReadBody_TooLarge(t *testing.T) {
	body := strings.NewReader(strings.Repeat("x", MaxBodyBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/events", body)
	rec := httptest.NewRecorder()

	_, err := ReadBody(rec, req)
	if !notify.Is(err, notify.KindBadRequest) {
		t.Errorf("expected bad request, got %v", err)
	}
}
