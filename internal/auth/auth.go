// Package auth turns a bearer token into a verified user identity. The
// notification core only sees the resulting Identity.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Verifier validates a raw token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type contextKey string

const identityKey contextKey = "identity"

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// TokenFromRequest looks for a token in the token or access_token query
// parameters, then in a bearer Authorization header. Browsers cannot set
// headers on a websocket handshake, hence the query parameters.
func TokenFromRequest(r *http.Request) string {
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("access_token"); t != "" {
		return t
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
