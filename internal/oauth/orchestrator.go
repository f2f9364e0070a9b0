// Package oauth implements the OAuth Orchestrator (C8): the
// /oauth/authorize, /oauth/callback, and /oauth/token handlers that tie
// the PKCE verifier, authorization code store, session store, identity
// broker, SSO resolver, and identity linker together into the
// authorization-code flow.
package oauth

import (
	"context"
	"net/mail"
	"time"

	"github.com/aegis-auth/aegis/internal/authcode"
	"github.com/aegis-auth/aegis/internal/broker"
	"github.com/aegis-auth/aegis/internal/clients"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/models"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/sso"
	"github.com/aegis-auth/aegis/internal/tokens"
)

type Orchestrator struct {
	clients   *clients.Store
	codes     *authcode.Store
	sessions  *sessions.Store
	state     *tokens.StateSigner
	brokerReg *broker.Registry
	sso       *sso.Resolver
	linker    *identity.Linker

	defaultSocialOrder []string
	brokerTimeout      time.Duration
}

func New(
	clientStore *clients.Store,
	codes *authcode.Store,
	sessionStore *sessions.Store,
	state *tokens.StateSigner,
	brokerReg *broker.Registry,
	ssoResolver *sso.Resolver,
	linker *identity.Linker,
	defaultSocialOrder []string,
	brokerTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		clients:            clientStore,
		codes:              codes,
		sessions:           sessionStore,
		state:              state,
		brokerReg:          brokerReg,
		sso:                ssoResolver,
		linker:             linker,
		defaultSocialOrder: defaultSocialOrder,
		brokerTimeout:      brokerTimeout,
	}
}

// AuthorizeParams carries /oauth/authorize's validated query parameters.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI          string
	CodeChallenge        string
	CodeChallengeMethod  string
	State                string
	LoginHint            string
	ConnectionID         string
	Provider             string
	DeviceID             string
	Platform             string
}

// Authorize validates inputs per §4.8's order, resolves the broker
// connection, builds the signed state blob, and returns the broker
// authorization URL to redirect to.
func (o *Orchestrator) Authorize(ctx context.Context, p AuthorizeParams) (string, error) {
	if p.ClientID == "" {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidRequest, "client_id is required")
	}
	client, err := o.clients.Lookup(ctx, p.ClientID)
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", apperrors.Validation(apperrors.ErrCodeUnauthorizedClient, "unknown client")
	}
	if p.RedirectURI == "" || !o.clients.AcceptRedirect(client, p.RedirectURI) {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidRedirectURI, "redirect_uri not allowed for this client")
	}
	if p.CodeChallenge == "" || p.CodeChallengeMethod != "S256" {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code_challenge with method S256 is required")
	}
	if p.State == "" {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidRequest, "state is required")
	}

	protocolTag, connectionID, provider, err := o.resolveConnection(ctx, p)
	if err != nil {
		return "", err
	}

	blob, err := o.state.Sign(tokens.State{
		RedirectURI:   p.RedirectURI,
		CodeChallenge: p.CodeChallenge,
		ClientID:      p.ClientID,
		ProtocolTag:   protocolTag,
		ConnectionID:  connectionID,
		DeviceID:      p.DeviceID,
		Platform:      p.Platform,
		Nonce:         p.State,
	})
	if err != nil {
		return "", apperrors.InternalServer("failed to sign state")
	}

	ctx, cancel := broker.Timeout(ctx, o.brokerTimeout)
	defer cancel()

	authURLParams := broker.AuthorizationURLParams{
		ConnectionID: connectionID,
		Provider:     provider,
		LoginHint:    p.LoginHint,
		State:        blob,
	}
	url, err := o.brokerReg.AuthorizationURL(ctx, authURLParams)
	if err != nil {
		return "", err
	}
	return url, nil
}

// resolveConnection implements the four-step resolution order of §4.8.
func (o *Orchestrator) resolveConnection(ctx context.Context, p AuthorizeParams) (protocolTag, connectionID, provider string, err error) {
	if p.ConnectionID == "" && p.Provider == "" && isWellFormedEmail(p.LoginHint) {
		conn, err := o.sso.Resolve(ctx, p.LoginHint)
		if err != nil {
			return "", "", "", err
		}
		if conn != nil {
			return models.ProtocolSSO, conn.ID, "", nil
		}
	}

	if p.ConnectionID != "" {
		return models.ProtocolSSO, p.ConnectionID, "", nil
	}

	if p.Provider != "" {
		return p.Provider, "", p.Provider, nil
	}

	if len(o.defaultSocialOrder) == 0 {
		return "", "", "", apperrors.Validation(apperrors.ErrCodeNoProvidersConfigured, "no social providers configured")
	}
	first := o.defaultSocialOrder[0]
	return first, "", first, nil
}

func isWellFormedEmail(s string) bool {
	if s == "" {
		return false
	}
	_, err := mail.ParseAddress(s)
	return err == nil
}

// CallbackParams carries /oauth/callback's query parameters.
type CallbackParams struct {
	Code  string
	State string
}

// CallbackResult is the data the HTTP handler needs to build the redirect
// back to the client.
type CallbackResult struct {
	RedirectURI string
	Code        string
	Nonce       string
}

// Callback verifies the state blob, exchanges the broker code for a
// profile, links the user/identity, and mints a fresh authorization code
// bound to the original PKCE challenge and redirect.
func (o *Orchestrator) Callback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	if p.Code == "" || p.State == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code and state are required")
	}

	state, err := o.state.Verify(p.State)
	if err != nil {
		return nil, apperrors.RedirectError(apperrors.ErrCodeInvalidState, "state verification failed")
	}

	ctx, cancel := broker.Timeout(ctx, o.brokerTimeout)
	defer cancel()

	connOrProtocol := state.ConnectionID
	if connOrProtocol == "" {
		connOrProtocol = state.ProtocolTag
	}
	profile, err := o.brokerReg.ExchangeCodeFor(ctx, connOrProtocol, p.Code)
	if err != nil {
		return nil, apperrors.RedirectError(apperrors.ErrCodeAccessDenied, "broker exchange failed")
	}

	user, err := o.linker.Link(ctx, identity.LinkParams{
		Email:           profile.Email,
		FirstName:       profile.FirstName,
		LastName:        profile.LastName,
		Protocol:        state.ProtocolTag,
		ProviderSubject: profile.ID,
		Attributes:      profile.RawAttributes,
	})
	if err != nil {
		return nil, err
	}

	var deviceID *string
	if state.DeviceID != "" {
		deviceID = &state.DeviceID
	}

	ac, err := o.codes.Issue(ctx, authcode.IssueParams{
		UserID:              user.ID,
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: "S256",
		AuthMethod:          state.ProtocolTag,
		DeviceID:            deviceID,
		Platform:            state.Platform,
	})
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		RedirectURI: state.RedirectURI,
		Code:        ac.Code,
		Nonce:       state.Nonce,
	}, nil
}
