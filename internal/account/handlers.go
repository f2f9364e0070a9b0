package account

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegis-auth/aegis/internal/broker"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/logger"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// Handler adapts session refresh/revocation and the identity-deletion
// webhook to gin routes. Refresh and Logout/LogoutAll sit on the same
// sessions.Store rotation/revocation machinery /oauth/token's
// refresh_token grant and the handoff orchestrator already use.
type Handler struct {
	sessions *sessions.Store
	registry *tokens.Registry
	broker   *broker.Registry
	linker   *identity.Linker
}

func NewHandler(sessionStore *sessions.Store, registry *tokens.Registry, brokerReg *broker.Registry, linker *identity.Linker) *Handler {
	return &Handler{sessions: sessionStore, registry: registry, broker: brokerReg, linker: linker}
}

// RegisterRoutes mounts the authenticated session endpoints under authed
// (guarded by RequireSession) and the public webhook endpoint under
// public.
func (h *Handler) RegisterRoutes(public *gin.RouterGroup, authed *gin.RouterGroup) {
	public.POST("/refresh", h.Refresh)
	public.POST("/webhooks/identity", h.WebhookIdentity)
	authed.POST("/logout", h.Logout)
	authed.POST("/logout-all", h.LogoutAll)
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh is a thin alias over the rotation state machine /oauth/token's
// refresh_token grant also uses — kept as its own endpoint per the
// external contract's `/refresh` path, independent of the OAuth
// code-exchange surface.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshBody
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "refreshToken is required"))
		return
	}

	result, err := h.sessions.Rotate(c.Request.Context(), req.RefreshToken, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(result.AccessExpiresAt).Seconds()),
	})
}

// Logout revokes only the calling session, leaving the user's other
// devices signed in.
func (h *Handler) Logout(c *gin.Context) {
	sessionID := mustString(c, ctxSessionID)
	if err := h.sessions.Revoke(c.Request.Context(), sessionID, "logout"); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// LogoutAll revokes every live session belonging to the calling user,
// e.g. after the user suspects a device was compromised.
func (h *Handler) LogoutAll(c *gin.Context) {
	userID := mustString(c, ctxUserID)
	n, err := h.sessions.RevokeByUser(c.Request.Context(), userID, "logout_all")
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionsRevoked": n})
}

// WebhookIdentity accepts the broker's identity-deletion notification:
// once the signature is verified, the deleted external identity is
// resolved back to a local user (by provider_subject, not email — email
// can change independently at the broker) and every session the user
// holds is revoked.
func (h *Handler) WebhookIdentity(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apperrors.HandleError(c, apperrors.New(apperrors.ErrCodeSignatureInvalid, "unreadable body"))
		return
	}

	event, err := h.broker.VerifyWebhook(rawBody, c.GetHeader("X-Webhook-Signature"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	if event.EventType != "user.deleted" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	userID, err := h.linker.RevokeByProviderSubject(c.Request.Context(), event.Protocol, event.ExternalUserID)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	if userID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if _, err := h.sessions.RevokeByUser(c.Request.Context(), userID, "identity_deleted"); err != nil {
		logger.Log.Error().Err(err).Str("user_id", userID).Msg("failed to revoke sessions after identity-deletion webhook")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
