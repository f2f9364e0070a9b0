package handoff

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/middleware"
)

// pollWindow/pollLimit bound how often one IP can poll, generously sized
// since legitimate polling clients are expected to call this every couple
// of seconds while the user completes /login in their browser.
const (
	pollWindow = 1 * time.Minute
	pollLimit  = 40
)

// Handler adapts Orchestrator to gin routes for the five §4.10 endpoints.
// /handoff/initiate and /handoff/poll sit under the same group as the
// rest of the API; /login and /callback (browser→device) are mounted at
// the root since they are reached directly by the system browser, not by
// an API client.
type Handler struct {
	orch    *Orchestrator
	limiter *middleware.RateLimiter
}

func NewHandler(orch *Orchestrator, limiter *middleware.RateLimiter) *Handler {
	return &Handler{orch: orch, limiter: limiter}
}

func (h *Handler) RegisterRoutes(api *gin.RouterGroup, root gin.IRouter) {
	api.POST("/handoff/initiate", h.Initiate)
	api.GET("/handoff/poll", h.limiter.Middleware(pollLimit, pollWindow), h.Poll)
	root.GET("/login", h.Login)
	root.POST("/callback", h.Callback)
	root.POST("/device-token", h.DeviceToken)
}

type initiateBody struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

func (h *Handler) Initiate(c *gin.Context) {
	var req initiateBody
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "deviceId is required"))
		return
	}

	result, err := h.orch.Initiate(c.Request.Context(), req.DeviceID)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authUrl":   result.AuthURL,
		"deviceId":  result.DeviceID,
		"pollToken": result.PollToken,
	})
}

func (h *Handler) Login(c *gin.Context) {
	url, err := h.orch.LoginRedirect(c.Query("device_id"), c.Query("poll_token"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

type callbackBody struct {
	DeviceID    string `json:"deviceId" binding:"required"`
	PollToken   string `json:"pollToken" binding:"required"`
	AccessToken string `json:"accessToken" binding:"required"`
}

func (h *Handler) Callback(c *gin.Context) {
	var req callbackBody
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.InvalidSession())
		return
	}

	result, err := h.orch.Callback(c.Request.Context(), CallbackParams{
		DeviceID:    req.DeviceID,
		PollToken:   req.PollToken,
		AccessToken: req.AccessToken,
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":      result.Code,
		"deepLink":  result.DeepLink,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) Poll(c *gin.Context) {
	result, err := h.orch.Poll(c.Request.Context(), c.Query("device_id"), c.Query("poll_token"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	resp := gin.H{"status": result.Status}
	if result.Status == PollReady {
		resp["code"] = result.Code
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DeviceToken(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "code is required"))
		return
	}
	deviceID := c.GetHeader("X-Device-ID")

	result, err := h.orch.DeviceToken(c.Request.Context(), DeviceTokenParams{
		Code:      req.Code,
		DeviceID:  deviceID,
		Platform:  c.GetHeader("X-Platform"),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.Tokens.AccessToken,
		"refresh_token": result.Tokens.RefreshToken,
		"expires_at":    result.Tokens.AccessExpiresAt.Format(time.RFC3339),
		"user":          result.User,
	})
}
