package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

const jwtTestSecret = "notifier-test-secret"

func TestJWTService_IssueAndVerify(t *testing.T) {
	svc := NewJWTService(jwtTestSecret, "notifier")

	token, err := svc.Issue(Identity{UserID: "u1", Username: "maria", Email: "maria@fazenda.example"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	id, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("expected user u1, got %q", id.UserID)
	}
	if id.Username != "maria" || id.Email != "maria@fazenda.example" {
		t.Errorf("expected profile claims to round-trip, got %+v", id)
	}
}

func TestJWTService_IssueRequiresUser(t *testing.T) {
	if _, err := NewJWTService(jwtTestSecret, "").Issue(Identity{Email: "x@example.com"}); err == nil {
		t.Error("expected error for identity without user id")
	}
}

func TestJWTService_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewJWTService(jwtTestSecret, "").WithTTL(10 * time.Minute)
	svc.now = func() time.Time { return now }

	token, err := svc.Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	now = now.Add(9 * time.Minute)
	if _, err := svc.Verify(context.Background(), token); err != nil {
		t.Errorf("expected token to be valid before expiry, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := svc.Verify(context.Background(), token); !notify.Is(err, notify.KindUnauthorized) {
		t.Errorf("expected unauthorized after expiry, got %v", err)
	}
}

func TestJWTService_RequiresExpiry(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString([]byte(jwtTestSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTService(jwtTestSecret, "").Verify(context.Background(), signed); !notify.Is(err, notify.KindUnauthorized) {
		t.Errorf("expected unauthorized for token without exp, got %v", err)
	}
}

func TestJWTService_RejectsEmptySubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte(jwtTestSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTService(jwtTestSecret, "").Verify(context.Background(), signed); !notify.Is(err, notify.KindUnauthorized) {
		t.Errorf("expected unauthorized for token without subject, got %v", err)
	}
}

func TestJWTService_Rejects(t *testing.T) {
	svc := NewJWTService(jwtTestSecret, "notifier")

	valid, _ := svc.Issue(Identity{UserID: "u1"})
	otherKey, _ := NewJWTService("some-other-secret", "notifier").Issue(Identity{UserID: "u1"})
	otherIssuer, _ := NewJWTService(jwtTestSecret, "someone-else").Issue(Identity{UserID: "u1"})

	parts := strings.Split(valid, ".")
	forgedPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u2","exp":9999999999,"iss":"notifier"}`))
	algNone := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + forgedPayload + "."

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	es256, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": "u1", "iss": "notifier", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(ecKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	tests := map[string]string{
		"empty":              "",
		"garbage":            "not-a-token",
		"dots only":          "..",
		"other key":          otherKey,
		"other issuer":       otherIssuer,
		"alg none":           algNone,
		"es256":              es256,
		"swapped payload":    parts[0] + "." + forgedPayload + "." + parts[2],
		"stripped signature": parts[0] + "." + parts[1] + ".",
		"bearer prefixed":    "Bearer " + valid,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Verify(context.Background(), token); !notify.Is(err, notify.KindUnauthorized) {
				t.Errorf("expected unauthorized, got %v", err)
			}
		})
	}
}
