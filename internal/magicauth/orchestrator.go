// Package magicauth implements the Magic Code Orchestrator (C9):
// /magic-auth and /magic-auth/verify, passwordless email-code
// authentication with a desktop/native-client PKCE branch.
package magicauth

import (
	"context"
	"net/mail"
	"regexp"
	"time"

	"github.com/aegis-auth/aegis/internal/authcode"
	"github.com/aegis-auth/aegis/internal/broker"
	"github.com/aegis-auth/aegis/internal/clients"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/models"
	"github.com/aegis-auth/aegis/internal/sessions"
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

type Orchestrator struct {
	clients       *clients.Store
	codes         *authcode.Store
	sessions      *sessions.Store
	brokerReg     *broker.Registry
	linker        *identity.Linker
	brokerTimeout time.Duration
}

func New(clientStore *clients.Store, codes *authcode.Store, sessionStore *sessions.Store, brokerReg *broker.Registry, linker *identity.Linker, brokerTimeout time.Duration) *Orchestrator {
	return &Orchestrator{clients: clientStore, codes: codes, sessions: sessionStore, brokerReg: brokerReg, linker: linker, brokerTimeout: brokerTimeout}
}

// Request handles POST /magic-auth. It always appears to succeed, whether
// or not email is a real account, so the response carries no signal an
// attacker could use to enumerate accounts.
func (o *Orchestrator) Request(ctx context.Context, email string) error {
	if !isWellFormedEmail(email) {
		return apperrors.Validation(apperrors.ErrCodeInvalidEmail, "malformed email address")
	}

	ctx, cancel := broker.Timeout(ctx, o.brokerTimeout)
	defer cancel()

	if err := o.brokerReg.CreateMagicAuth(ctx, email); err != nil {
		// An upstream failure still surfaces as upstream_unavailable —
		// this is the one place §9's "generic success" rule yields to the
		// broker being genuinely down rather than the email being unknown.
		return err
	}
	return nil
}

// VerifyParams carries /magic-auth/verify's request body.
type VerifyParams struct {
	Email         string
	Code          string
	ClientID      string
	CodeChallenge string
	RedirectURI   string
	DeviceID      string
	Platform      string
	IP            string
	UserAgent     string
}

// VerifyResult holds either a freshly minted authorization code (desktop
// flow) or full session tokens (web flow); exactly one of the two is set.
type VerifyResult struct {
	AuthorizationCode string
	Tokens            *sessions.Tokens
}

// Verify validates the broker-issued code and, depending on whether the
// calling client requires PKCE (§4.9, resolved data-driven via the client
// allowlist), returns either an authorization code for later exchange at
// /oauth/token or session tokens directly.
func (o *Orchestrator) Verify(ctx context.Context, p VerifyParams) (*VerifyResult, error) {
	if !isWellFormedEmail(p.Email) || !codePattern.MatchString(p.Code) {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "email and a 6-digit code are required")
	}

	client, err := o.clients.Lookup(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}
	requiresPKCE := client != nil && client.RequiresPKCE

	if requiresPKCE && p.CodeChallenge == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code_challenge is required for this client")
	}

	bctx, cancel := broker.Timeout(ctx, o.brokerTimeout)
	defer cancel()
	result, err := o.brokerReg.AuthenticateWithMagicAuth(bctx, p.Email, p.Code, p.IP, p.UserAgent)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidCode, "invalid or expired code")
	}

	user, err := o.linker.Link(ctx, identity.LinkParams{
		Email:           result.Email,
		FirstName:       result.FirstName,
		LastName:        result.LastName,
		Protocol:        models.ProtocolMagicLink,
		ProviderSubject: result.Email,
	})
	if err != nil {
		return nil, err
	}

	if requiresPKCE {
		var deviceID *string
		if p.DeviceID != "" {
			deviceID = &p.DeviceID
		}
		ac, err := o.codes.Issue(ctx, authcode.IssueParams{
			UserID:              user.ID,
			ClientID:            p.ClientID,
			RedirectURI:         p.RedirectURI,
			CodeChallenge:       p.CodeChallenge,
			CodeChallengeMethod: "S256",
			AuthMethod:          models.ProtocolMagicLink,
			DeviceID:            deviceID,
			Platform:            p.Platform,
		})
		if err != nil {
			return nil, err
		}
		return &VerifyResult{AuthorizationCode: ac.Code}, nil
	}

	toks, err := o.sessions.Create(ctx, user.ID, nil, models.DeviceTypeWeb, p.Platform, models.ProtocolMagicLink, p.IP, p.UserAgent)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Tokens: toks}, nil
}

func isWellFormedEmail(s string) bool {
	if s == "" {
		return false
	}
	_, err := mail.ParseAddress(s)
	return err == nil
}
