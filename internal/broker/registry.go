package broker

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

// Registry is the production Adapter: it dispatches AuthorizationURL and
// ExchangeCode to the federated-OIDC or SAML sub-adapter matching the
// request's connection, delegates magic-code calls to the magic adapter,
// and verifies webhooks itself. Orchestrators depend on the Adapter
// interface, never on Registry directly, so tests can substitute a fake.
type Registry struct {
	mu       sync.RWMutex
	social   map[string]Adapter // protocol tag -> adapter (oidc_google, oidc_microsoft, oidc_apple)
	sso      map[string]Adapter // connection id -> adapter
	magic    Adapter
	webhooks *WebhookVerifier
}

func NewRegistry(magic Adapter, webhookSecret string) *Registry {
	return &Registry{
		social:   make(map[string]Adapter),
		sso:      make(map[string]Adapter),
		magic:    magic,
		webhooks: NewWebhookVerifier(webhookSecret),
	}
}

// RegisterSocial wires a federated OIDC adapter under its protocol tag
// (oidc_google, oidc_microsoft, oidc_apple).
func (r *Registry) RegisterSocial(protocolTag string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.social[protocolTag] = a
}

// RegisterSSO wires (or replaces, on connection metadata rotation) a SAML
// adapter for one enterprise connection id.
func (r *Registry) RegisterSSO(connectionID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sso[connectionID] = a
}

// UnregisterSSO drops a connection's adapter, e.g. on disablement.
func (r *Registry) UnregisterSSO(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sso, connectionID)
}

func (r *Registry) resolve(p AuthorizationURLParams) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p.ConnectionID != "" {
		if a, ok := r.sso[p.ConnectionID]; ok {
			return a, nil
		}
		return nil, apperrors.New(apperrors.ErrCodeNoProvidersConfigured, "unknown connection")
	}
	if a, ok := r.social[p.Provider]; ok {
		return a, nil
	}
	return nil, apperrors.New(apperrors.ErrCodeNoProvidersConfigured, "unknown provider")
}

func (r *Registry) AuthorizationURL(ctx context.Context, p AuthorizationURLParams) (string, error) {
	a, err := r.resolve(p)
	if err != nil {
		return "", err
	}
	return a.AuthorizationURL(ctx, p)
}

// ExchangeCode dispatches by connection: connID identifies the SAML
// connection or social provider tag the authorization was started
// against, carried through the signed OAuth state blob so the callback
// handler knows which adapter to use without trusting client input.
func (r *Registry) ExchangeCodeFor(ctx context.Context, connOrProtocol, code string) (*Profile, error) {
	r.mu.RLock()
	a, ok := r.sso[connOrProtocol]
	if !ok {
		a, ok = r.social[connOrProtocol]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeNoProvidersConfigured, "unknown connection")
	}
	return a.ExchangeCode(ctx, code)
}

// ExchangeCode satisfies the Adapter interface for Registry itself, but
// orchestrators should call ExchangeCodeFor directly since Registry alone
// cannot resolve which sub-adapter a bare code belongs to.
func (r *Registry) ExchangeCode(ctx context.Context, code string) (*Profile, error) {
	return nil, fmt.Errorf("ambiguous exchange: call ExchangeCodeFor with a connection or protocol tag")
}

func (r *Registry) AuthorizationURLParamsFor(conn *models.AuthConnection) AuthorizationURLParams {
	p := AuthorizationURLParams{}
	if conn.Protocol == "sso" {
		p.ConnectionID = conn.ID
	} else {
		p.Provider = conn.Protocol
	}
	return p
}

func (r *Registry) CreateMagicAuth(ctx context.Context, email string) error {
	if r.magic == nil {
		return apperrors.New(apperrors.ErrCodeNoProvidersConfigured, "magic auth not configured")
	}
	return r.magic.CreateMagicAuth(ctx, email)
}

func (r *Registry) AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, ua string) (*MagicAuthResult, error) {
	if r.magic == nil {
		return nil, apperrors.New(apperrors.ErrCodeNoProvidersConfigured, "magic auth not configured")
	}
	return r.magic.AuthenticateWithMagicAuth(ctx, email, code, ip, ua)
}

func (r *Registry) VerifyWebhook(rawBody []byte, signatureHeader string) (*WebhookEvent, error) {
	return r.webhooks.Verify(rawBody, signatureHeader)
}
