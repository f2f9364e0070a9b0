package oauth

import (
	"context"

	"github.com/aegis-auth/aegis/internal/pkce"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
	"github.com/aegis-auth/aegis/internal/sessions"
)

// TokenParams carries /oauth/token's validated form fields. Fields not
// relevant to grant_type are left zero.
type TokenParams struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	IP           string
	UserAgent    string
}

// Token dispatches on grant_type to the authorization_code or
// refresh_token path (§4.8). Any other grant_type is rejected outright.
func (o *Orchestrator) Token(ctx context.Context, p TokenParams) (*sessions.Tokens, error) {
	switch p.GrantType {
	case "authorization_code":
		return o.tokenFromCode(ctx, p)
	case "refresh_token":
		if p.RefreshToken == "" {
			return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "refresh_token is required")
		}
		return o.sessions.Rotate(ctx, p.RefreshToken, p.IP, p.UserAgent)
	default:
		return nil, apperrors.Validation(apperrors.ErrCodeUnsupportedGrantType, "unsupported grant_type")
	}
}

func (o *Orchestrator) tokenFromCode(ctx context.Context, p TokenParams) (*sessions.Tokens, error) {
	if p.Code == "" || p.RedirectURI == "" || p.CodeVerifier == "" {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code, redirect_uri and code_verifier are required")
	}

	// Peek first: a PKCE mismatch must not burn the code (§4.4/§9), so
	// verification happens before the atomic Consume transition.
	ac, err := o.codes.Peek(ctx, p.Code)
	if err != nil {
		return nil, err
	}
	if !pkce.Verify(p.CodeVerifier, ac.CodeChallenge) {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "pkce_mismatch")
	}

	ac, err = o.codes.Consume(ctx, p.Code, p.RedirectURI)
	if err != nil {
		return nil, err
	}

	deviceType := models.DeviceTypeWeb
	if ac.DeviceID != nil {
		deviceType = deviceTypeForPlatform(ac.Platform)
	}

	return o.sessions.Create(ctx, ac.UserID, ac.DeviceID, deviceType, ac.Platform, ac.AuthMethod, p.IP, p.UserAgent)
}

func deviceTypeForPlatform(platform string) string {
	switch platform {
	case "xr", "desktop", "mobile":
		return platform
	default:
		return models.DeviceTypeDesktop
	}
}
