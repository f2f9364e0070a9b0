package broker

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/aegis-auth/aegis/internal/config"
)

// oidcAdapter is the federated social-login concrete Adapter, one instance
// per configured provider (oidc_google, oidc_microsoft, oidc_apple). It
// discovers the provider's configuration once at startup and reuses the
// resulting oauth2.Config and oidc.IDTokenVerifier for every request.
type oidcAdapter struct {
	protocolTag  string
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// newOIDCAdapter discovers provider at issuer and builds the adapter. Call
// once per configured social provider at startup; a discovery failure there
// is fatal configuration error, not a runtime upstream_unavailable.
func newOIDCAdapter(ctx context.Context, protocolTag, issuer, clientID, clientSecret, redirectURI string) (*oidcAdapter, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s provider: %w", protocolTag, err)
	}

	return &oidcAdapter{
		protocolTag: protocolTag,
		oauth2Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// NewGoogleAdapter, NewMicrosoftAdapter and NewAppleAdapter are thin
// constructors over newOIDCAdapter; kept distinct so Registry construction
// reads as one line per configured provider in cmd/main.go.
func NewGoogleAdapter(ctx context.Context, cfg config.BrokerConfig, redirectURI string) (Adapter, error) {
	return newOIDCAdapter(ctx, "oidc_google", cfg.OIDCGoogleIssuer, cfg.OIDCGoogleClientID, cfg.OIDCGoogleClientSecret, redirectURI)
}

func NewMicrosoftAdapter(ctx context.Context, cfg config.BrokerConfig, redirectURI string) (Adapter, error) {
	return newOIDCAdapter(ctx, "oidc_microsoft", cfg.OIDCMicrosoftIssuer, cfg.OIDCMicrosoftClientID, cfg.OIDCMicrosoftClientSecret, redirectURI)
}

func NewAppleAdapter(ctx context.Context, cfg config.BrokerConfig, redirectURI string) (Adapter, error) {
	return newOIDCAdapter(ctx, "oidc_apple", cfg.OIDCAppleIssuer, cfg.OIDCAppleClientID, cfg.OIDCAppleClientSecret, redirectURI)
}

func (a *oidcAdapter) AuthorizationURL(ctx context.Context, p AuthorizationURLParams) (string, error) {
	opts := []oauth2.AuthCodeOption{}
	if p.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", p.LoginHint))
	}
	return a.oauth2Config.AuthCodeURL(p.State, opts...), nil
}

func (a *oidcAdapter) ExchangeCode(ctx context.Context, code string) (*Profile, error) {
	token, err := a.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, wrapUpstream(a.protocolTag, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, wrapUpstream(a.protocolTag, fmt.Errorf("no id_token in token response"))
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, wrapUpstream(a.protocolTag, fmt.Errorf("verify id_token: %w", err))
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, wrapUpstream(a.protocolTag, fmt.Errorf("parse id_token claims: %w", err))
	}

	return &Profile{
		ID:             idToken.Subject,
		Email:          stringClaim(claims, "email"),
		FirstName:      stringClaim(claims, "given_name"),
		LastName:       stringClaim(claims, "family_name"),
		RawAttributes:  claims,
		ConnectionType: a.protocolTag,
	}, nil
}

func (a *oidcAdapter) CreateMagicAuth(ctx context.Context, email string) error {
	return fmt.Errorf("%s adapter does not support magic auth", a.protocolTag)
}

func (a *oidcAdapter) AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, ua string) (*MagicAuthResult, error) {
	return nil, fmt.Errorf("%s adapter does not support magic auth", a.protocolTag)
}

func (a *oidcAdapter) VerifyWebhook(rawBody []byte, signatureHeader string) (*WebhookEvent, error) {
	return nil, fmt.Errorf("%s adapter does not handle webhooks", a.protocolTag)
}

func stringClaim(claims map[string]interface{}, name string) string {
	if v, ok := claims[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
