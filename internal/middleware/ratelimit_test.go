package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(rps float64, burst int) (*limiterStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newLimiterStore(rps, burst)
	s.now = clock.now
	return s, clock
}

func post(h http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenBlock(t *testing.T) {
	store, _ := newTestStore(1, 3)
	h := limit(store)(okHandler)

	for i := range 3 {
		if rec := post(h, "/events", "192.168.1.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := post(h, "/events", "192.168.1.1:1234")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("expected rate limit error, got %q", body["error"])
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	store, clock := newTestStore(2, 1)
	h := limit(store)(okHandler)

	if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	clock.advance(500 * time.Millisecond)
	if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_RejectedRequestsDoNotConsumeTokens(t *testing.T) {
	store, clock := newTestStore(1, 1)
	h := limit(store)(okHandler)

	post(h, "/events", "10.0.0.1:1")
	for range 5 {
		post(h, "/events", "10.0.0.1:1")
	}

	clock.advance(time.Second)
	if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 one interval after the last accepted request, got %d", rec.Code)
	}
}

func TestRateLimit_BucketPerIP(t *testing.T) {
	store, _ := newTestStore(1, 1)
	h := limit(store)(okHandler)

	if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("first client: expected 200, got %d", rec.Code)
	}
	if rec := post(h, "/events", "10.0.0.1:2"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same host other port: expected 429, got %d", rec.Code)
	}
	if rec := post(h, "/events", "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Errorf("second client: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_ForwardedForIgnored(t *testing.T) {
	store, _ := newTestStore(1, 1)
	h := limit(store)(okHandler)

	for i, xff := range []string{"203.0.113.50", "198.51.100.99"} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		want := http.StatusOK
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Errorf("request %d: expected %d, got %d", i+1, want, rec.Code)
		}
	}
}

func TestRateLimit_IdleBucketsSwept(t *testing.T) {
	store, clock := newTestStore(1, 1)

	store.reserve("10.0.0.1")
	store.reserve("10.0.0.2")
	if n := store.size(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}

	clock.advance(limiterIdleTTL + time.Second)
	store.reserve("10.0.0.3")
	if n := store.size(); n != 1 {
		t.Errorf("expected idle buckets to be swept, got %d", n)
	}
}

func TestRateLimit_IndependentStores(t *testing.T) {
	r := mux.NewRouter()
	callbacks := r.PathPrefix("/callbacks").Subrouter()
	callbacks.Use(RateLimitMiddleware(1, 1))
	callbacks.Handle("/subscribe", okHandler)
	ingest := r.PathPrefix("/ingest").Subrouter()
	ingest.Use(RateLimitMiddleware(1, 1))
	ingest.Handle("/events", okHandler)

	if rec := post(r, "/callbacks/subscribe", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("callbacks: expected 200, got %d", rec.Code)
	}
	if rec := post(r, "/ingest/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Errorf("ingest must not share the callbacks bucket, got %d", rec.Code)
	}
	if rec := post(r, "/callbacks/subscribe", "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("callbacks: expected 429, got %d", rec.Code)
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	h := RateLimitMiddleware(0, 0)(okHandler)

	for i := range 50 {
		if rec := post(h, "/events", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"192.168.1.1", "192.168.1.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q): expected %q, got %q", tt.remoteAddr, tt.want, got)
		}
	}
}
