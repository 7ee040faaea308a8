package ws

import (
	"net/http"
	"strings"
)

// OriginChecker returns a CheckOrigin func for a websocket.Upgrader that
// accepts the listed origins, compared case-insensitively. A request with no
// Origin header is a same-origin or non-browser client and is allowed. An
// empty list allows only http://localhost:3000.
func OriginChecker(allowed []string) func(*http.Request) bool {
	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(origin, o) {
				return true
			}
		}
		return false
	}
}
