// Package broker models the Identity Broker Adapter (C6): the boundary
// between this service and the external identity broker that performs
// the actual user authentication (federated OAuth, enterprise SAML/OIDC,
// passwordless email codes).
//
// The orchestrators (C8-C10) depend only on the Adapter interface below,
// never on a concrete provider SDK directly, so that oauth.Orchestrator
// and magicauth.Orchestrator can be tested against a fake without network
// access. Registry is the production implementation, composing one
// federated-OIDC sub-adapter per social provider and one SAML sub-adapter
// per enterprise connection behind a single dispatch point.
package broker

import (
	"context"
	"time"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
)

// Profile is the user profile the broker returns after a successful
// exchange, normalized across every concrete provider.
type Profile struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	RawAttributes   map[string]interface{}
	ConnectionID    string
	ConnectionType  string
	OrganizationID  string
}

// AuthorizationURLParams are the inputs to Adapter.AuthorizationURL.
// Exactly one of ConnectionID or Provider is set, per §4.6.
type AuthorizationURLParams struct {
	ConnectionID  string
	Provider      string
	LoginHint     string
	State         string
	CodeChallenge string
	Method        string
	RedirectURI   string
}

// MagicAuthResult is returned by AuthenticateWithMagicAuth on success.
type MagicAuthResult struct {
	Email     string
	FirstName string
	LastName  string
}

// WebhookEvent is the normalized shape of a parsed broker webhook, after
// signature verification. EventType is broker-specific
// ("user.deleted", "connection.activated", ...); ExternalUserID is the
// broker's own subject id, which this service's Identity rows persist as
// ProviderSubject so deletion events can be mapped back (see identity
// linker and the webhook handler's resolution of the spec's Open
// Question on this point).
type WebhookEvent struct {
	EventType      string
	ExternalUserID string
	Protocol       string
	Raw            map[string]interface{}
}

// Adapter is the capability set the orchestrators require from the
// external identity broker. Every method may fail with a transient
// network/timeout error; callers must treat such a failure as
// upstream_unavailable and leave local state untouched (§4.6, §5).
type Adapter interface {
	// AuthorizationURL produces the external URL the user is redirected
	// to begin federated or enterprise authentication.
	AuthorizationURL(ctx context.Context, p AuthorizationURLParams) (string, error)

	// ExchangeCode exchanges the broker's own post-login code (received
	// at /oauth/callback) for a user Profile.
	ExchangeCode(ctx context.Context, code string) (*Profile, error)

	// CreateMagicAuth asks the broker to generate and email a 6-digit
	// passwordless code to email. The broker owns rate limiting; this
	// call always appears to succeed to the caller regardless of whether
	// email exists (see magicauth.Orchestrator.Request).
	CreateMagicAuth(ctx context.Context, email string) error

	// AuthenticateWithMagicAuth verifies a previously issued code.
	AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, ua string) (*MagicAuthResult, error)

	// VerifyWebhook checks rawBody's signature against signatureHeader
	// and, on success, returns the parsed event.
	VerifyWebhook(rawBody []byte, signatureHeader string) (*WebhookEvent, error)
}

// Timeout wraps ctx with the per-request broker call deadline (§5: 10s).
func Timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// wrapUpstream converts any non-nil err from a concrete adapter call into
// the taxonomy's UpstreamUnavailable shape. Local state must never be
// mutated by a caller that receives this error.
func wrapUpstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.UpstreamUnavailable(service, err)
}
