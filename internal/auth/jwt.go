package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// DefaultTokenTTL is the lifetime of tokens minted by Issue.
const DefaultTokenTTL = time.Hour

type claims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTService verifies HS256 tokens signed with a shared secret. It can also
// mint them, which development setups and tests use in place of a real
// identity provider.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService creates a service. An empty issuer disables the iss check.
func NewJWTService(secret, issuer string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

var _ Verifier = (*JWTService)(nil)

// WithTTL changes the lifetime of issued tokens.
func (j *JWTService) WithTTL(ttl time.Duration) *JWTService {
	j.ttl = ttl
	return j
}

// Issue mints a token for id. The user id becomes the subject.
func (j *JWTService) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("identity has no user id")
	}
	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:    id.Email,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	})
	return token.SignedString(j.secret)
}

// Verify checks signature, algorithm, expiry and issuer, and returns the
// identity in the token. Every failure is Unauthorized.
func (j *JWTService) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, notify.Errorf(notify.KindUnauthorized, "auth.verify", "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var c claims
	if _, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	}, opts...); err != nil {
		return Identity{}, notify.E(notify.KindUnauthorized, "auth.verify", err)
	}

	if c.Subject == "" {
		return Identity{}, notify.Errorf(notify.KindUnauthorized, "auth.verify", "token has no subject")
	}
	return Identity{UserID: c.Subject, Username: c.Username, Email: c.Email}, nil
}
