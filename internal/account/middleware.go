// Package account implements the session-facing surface that sits
// outside both the OAuth code-exchange flow (package oauth) and the
// magic-code / handoff orchestrators: refreshing and revoking an
// already-issued session, and accepting the broker's identity-deletion
// webhook.
package account

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// claimsContextKey and friends are the gin.Context keys the auth
// middleware populates, read back by Logout/LogoutAll and by
// middleware.UserRateLimiter (via "userID").
const (
	ctxUserID    = "userID"
	ctxSessionID = "sessionID"
	ctxDeviceID  = "deviceID"
)

// RequireSession validates the Authorization: Bearer access token,
// confirms the session it names is still live, and — when the client
// also sends X-Device-ID — requires it to match the token's own device
// binding (§6). A missing, malformed, expired, or session-revoked token
// all collapse to the same 401 so a caller learns nothing about which.
func RequireSession(registry *tokens.Registry, store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			apperrors.AbortWithError(c, apperrors.Unauthorized("missing bearer token"))
			return
		}

		claims, err := registry.Verify(header[len(prefix):])
		if err != nil {
			apperrors.AbortWithError(c, err.(*apperrors.AppError))
			return
		}

		if headerDevice := c.GetHeader("X-Device-ID"); headerDevice != "" && claims.DeviceID != "" && headerDevice != claims.DeviceID {
			apperrors.AbortWithError(c, apperrors.Unauthorized("device mismatch"))
			return
		}

		valid, err := store.Validate(c.Request.Context(), claims.SessionID)
		if err != nil {
			apperrors.AbortWithError(c, err.(*apperrors.AppError))
			return
		}
		if !valid {
			apperrors.AbortWithError(c, apperrors.Unauthorized("session revoked"))
			return
		}

		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxSessionID, claims.SessionID)
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Next()
	}
}

func mustString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}
