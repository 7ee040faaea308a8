package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
)

// OIDCConfig configures verification against an OpenID provider, such as a
// Cognito user pool (issuer https://cognito-idp.{region}.amazonaws.com/{pool}).
type OIDCConfig struct {
	Issuer string
	// ClientID is checked against aud when set. Cognito access tokens carry
	// client_id instead of aud, so leave it empty to accept them.
	ClientID string
}

// IDTokenVerifier is the go-oidc verifier surface used here.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCVerifier validates RS256 tokens against the provider's JWKS. Keys are
// fetched and cached by go-oidc.
type OIDCVerifier struct {
	verifier IDTokenVerifier
}

type oidcClaims struct {
	Subject         string `json:"sub"`
	Email           string `json:"email"`
	Username        string `json:"username"`
	CognitoUsername string `json:"cognito:username"`
	TokenUse        string `json:"token_use"`
}

// NewOIDCVerifier discovers the provider. Returns nil, nil when no issuer is
// configured.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	v := provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.ClientID == "",
	})
	return &OIDCVerifier{verifier: v}, nil
}

var _ Verifier = (*OIDCVerifier)(nil)

func (o *OIDCVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, notify.Errorf(notify.KindUnauthorized, "auth.verify", "missing token")
	}
	idToken, err := o.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, notify.E(notify.KindUnauthorized, "auth.verify", err)
	}

	var c oidcClaims
	if err := idToken.Claims(&c); err != nil {
		return Identity{}, notify.E(notify.KindUnauthorized, "auth.verify", err)
	}
	if c.TokenUse != "" && !slices.Contains([]string{"access", "id"}, c.TokenUse) {
		return Identity{}, notify.Errorf(notify.KindUnauthorized, "auth.verify", "invalid token_use %q", c.TokenUse)
	}
	if c.Subject == "" {
		return Identity{}, notify.Errorf(notify.KindUnauthorized, "auth.verify", "token has no subject")
	}

	username := c.Username
	if username == "" {
		username = c.CognitoUsername
	}
	return Identity{UserID: c.Subject, Username: username, Email: c.Email}, nil
}
