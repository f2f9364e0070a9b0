package magicauth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/middleware"
)

// requestLimit and verifyLimit bound how often one email address can be
// targeted, independent of the source IP — a magic code is only six
// digits, so the attempt budget has to be tight regardless of where the
// guesses come from.
const (
	requestWindow = 5 * time.Minute
	requestLimit  = 3
	verifyWindow  = 10 * time.Minute
	verifyLimit   = 5
)

type Handler struct {
	orch    *Orchestrator
	limiter *middleware.RateLimiter
}

func NewHandler(orch *Orchestrator, limiter *middleware.RateLimiter) *Handler {
	return &Handler{orch: orch, limiter: limiter}
}

func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/magic-auth", h.Request)
	group.POST("/magic-auth/verify", h.Verify)
}

type requestBody struct {
	Email string `json:"email" binding:"required,email"`
}

func (h *Handler) Request(c *gin.Context) {
	var req requestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidEmail, "a well-formed email is required"))
		return
	}

	if !h.limiter.CheckLimit(requestKey(req.Email), requestLimit, requestWindow) {
		apperrors.HandleError(c, apperrors.RateLimited("too many magic code requests for this address"))
		return
	}

	if err := h.orch.Request(c.Request.Context(), req.Email); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type verifyBody struct {
	Email         string `json:"email" binding:"required,email"`
	Code          string `json:"code" binding:"required,len=6,numeric"`
	ClientID      string `json:"clientId" binding:"required"`
	CodeChallenge string `json:"codeChallenge"`
	RedirectURI   string `json:"redirectUri"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
}

func (h *Handler) Verify(c *gin.Context) {
	var req verifyBody
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "email, a 6-digit code, and clientId are required"))
		return
	}

	if !h.limiter.CheckLimit(verifyKey(req.Email), verifyLimit, verifyWindow) {
		apperrors.HandleError(c, apperrors.RateLimited("too many verification attempts for this address"))
		return
	}

	result, err := h.orch.Verify(c.Request.Context(), VerifyParams{
		Email:         req.Email,
		Code:          req.Code,
		ClientID:      req.ClientID,
		CodeChallenge: req.CodeChallenge,
		RedirectURI:   req.RedirectURI,
		DeviceID:      req.DeviceID,
		Platform:      req.Platform,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	if result.AuthorizationCode != "" {
		c.JSON(http.StatusOK, gin.H{"code": result.AuthorizationCode})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.Tokens.AccessToken,
		"refresh_token": result.Tokens.RefreshToken,
		"expires_at":    result.Tokens.AccessExpiresAt.Format(time.RFC3339),
	})
}

func requestKey(email string) string {
	return fmt.Sprintf("magic-auth:request:%s", email)
}

func verifyKey(email string) string {
	return fmt.Sprintf("magic-auth:verify:%s", email)
}
