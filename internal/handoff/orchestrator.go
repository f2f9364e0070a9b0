package handoff

import (
	"context"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/models"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// Orchestrator ties the Store (C5) to the five endpoints of §4.10. The
// "browser" step authenticates by presenting an access token this service
// already issued for the browser's own web session (minted moments
// earlier via the ordinary OAuth or magic-code flow against the same
// broker) — that token is the "broker session token" step 3 validates;
// there is no separate broker-native session concept to check.
type Orchestrator struct {
	codes    *Store
	sessions *sessions.Store
	linker   *identity.Linker
	registry *tokens.Registry

	webLoginURL    string
	deepLinkScheme string
}

func New(codes *Store, sessionStore *sessions.Store, linker *identity.Linker, registry *tokens.Registry, webLoginURL, deepLinkScheme string) *Orchestrator {
	return &Orchestrator{
		codes:          codes,
		sessions:       sessionStore,
		linker:         linker,
		registry:       registry,
		webLoginURL:    webLoginURL,
		deepLinkScheme: deepLinkScheme,
	}
}

// InitiateResult is the wire shape of POST /handoff/initiate.
type InitiateResult struct {
	AuthURL   string
	DeviceID  string
	PollToken string
}

// Initiate handles POST /handoff/initiate: clears any stale pending code
// for deviceID, mints a fresh poll token, and builds the authUrl the
// device opens in the system browser.
func (o *Orchestrator) Initiate(ctx context.Context, deviceID string) (*InitiateResult, error) {
	if deviceID == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "deviceId is required")
	}

	if err := o.codes.CleanupDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	pollToken, err := NewPollToken()
	if err != nil {
		return nil, apperrors.InternalServer("failed to generate poll token")
	}

	return &InitiateResult{
		AuthURL:   o.loginURL(deviceID, pollToken),
		DeviceID:  deviceID,
		PollToken: pollToken,
	}, nil
}

func (o *Orchestrator) loginURL(deviceID, pollToken string) string {
	v := url.Values{}
	v.Set("device_id", deviceID)
	v.Set("poll_token", pollToken)
	sep := "?"
	if strings.Contains(o.webLoginURL, "?") {
		sep = "&"
	}
	return o.webLoginURL + sep + v.Encode()
}

// LoginRedirect handles GET /login: a pure trampoline to the web sign-in
// UI, preserving device_id/poll_token so the SPA can carry them through
// its own login flow and present them back at POST /callback.
func (o *Orchestrator) LoginRedirect(deviceID, pollToken string) (string, error) {
	if deviceID == "" || pollToken == "" {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidRequest, "device_id and poll_token are required")
	}
	return o.loginURL(deviceID, pollToken), nil
}

// CallbackParams carries POST /callback's (browser→device) body.
type CallbackParams struct {
	DeviceID    string
	PollToken   string
	AccessToken string
}

// CallbackResult is the wire shape of POST /callback (browser→device).
type CallbackResult struct {
	Code      string
	DeepLink  string
	ExpiresAt time.Time
}

// Callback handles POST /callback: validates the browser's own access
// token (proof the user completed broker authentication moments ago),
// clears stale codes for the device, and mints a new handoff code bound
// to the poll_token from step 1.
func (o *Orchestrator) Callback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	if p.DeviceID == "" || p.PollToken == "" || p.AccessToken == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidSession, "deviceId, pollToken, and accessToken are required")
	}

	claims, err := o.registry.Verify(p.AccessToken)
	if err != nil {
		return nil, apperrors.InvalidSession()
	}
	active, err := o.sessions.Validate(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, apperrors.InvalidSession()
	}

	if err := o.codes.CleanupDevice(ctx, p.DeviceID); err != nil {
		return nil, err
	}

	hc, err := o.codes.Create(ctx, CreateParams{
		UserID:            claims.Subject,
		DeviceID:          p.DeviceID,
		PollToken:         p.PollToken,
		ExternalSessionID: claims.SessionID,
	})
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		Code:      hc.Code,
		DeepLink:  o.deepLinkScheme + "?code=" + hc.Code,
		ExpiresAt: hc.ExpiresAt,
	}, nil
}

// PollResult is the wire shape of GET /handoff/poll.
type PollResult struct {
	Status PollStatus
	Code   string
}

// Poll handles GET /handoff/poll.
func (o *Orchestrator) Poll(ctx context.Context, deviceID, pollToken string) (*PollResult, error) {
	if deviceID == "" || pollToken == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "device_id and poll_token are required")
	}
	status, code, err := o.codes.Poll(ctx, deviceID, pollToken)
	if err != nil {
		return nil, err
	}
	return &PollResult{Status: status, Code: code}, nil
}

// DeviceTokenParams carries POST /device-token's inputs.
type DeviceTokenParams struct {
	Code      string
	DeviceID  string
	Platform  string
	IP        string
	UserAgent string
}

// DeviceTokenResult is the wire shape of POST /device-token.
type DeviceTokenResult struct {
	Tokens *sessions.Tokens
	User   *models.User
}

// DeviceToken handles POST /device-token: redeems the handoff code and
// creates a brand new session bound to the device, distinct from the
// browser's own session that produced the code.
func (o *Orchestrator) DeviceToken(ctx context.Context, p DeviceTokenParams) (*DeviceTokenResult, error) {
	if p.Code == "" || p.DeviceID == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code and X-Device-ID are required")
	}

	hc, err := o.codes.Consume(ctx, p.Code, p.DeviceID)
	if err != nil {
		return nil, err
	}

	toks, err := o.sessions.Create(ctx, hc.UserID, &p.DeviceID, deviceTypeForPlatform(p.Platform), p.Platform, models.ProtocolHandoff, p.IP, p.UserAgent)
	if err != nil {
		return nil, err
	}

	user, err := o.linker.GetByID(ctx, hc.UserID)
	if err != nil {
		return nil, err
	}

	return &DeviceTokenResult{Tokens: toks, User: user}, nil
}

func deviceTypeForPlatform(platform string) string {
	switch platform {
	case "xr", "desktop", "mobile":
		return platform
	default:
		return models.DeviceTypeDesktop
	}
}
