package oauth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// Handler adapts Orchestrator to gin routes for the /oauth/* surface.
type Handler struct {
	orch     *Orchestrator
	registry *tokens.Registry
}

func NewHandler(orch *Orchestrator, registry *tokens.Registry) *Handler {
	return &Handler{orch: orch, registry: registry}
}

// RegisterRoutes mounts the three authorization-code-flow endpoints under
// group. JWKS is registered separately via RegisterJWKSRoute so the
// caller can put caching middleware in front of it without applying that
// middleware to /authorize, /callback, or /token.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/authorize", h.Authorize)
	group.GET("/callback", h.Callback)
	group.POST("/token", h.Token)
}

// RegisterJWKSRoute mounts GET /.well-known/jwks.json under group, with
// any middleware (e.g. response caching) the caller supplies placed
// ahead of the handler.
func (h *Handler) RegisterJWKSRoute(group *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, middleware...), h.JWKS)
	group.GET("/.well-known/jwks.json", handlers...)
}

// RegisterACSRoute mounts POST /acs under group, the Assertion Consumer
// Service endpoint a SAML identity provider posts its SAMLResponse to.
// Kept separate from RegisterRoutes because it only applies to
// connections actually configured for SAML (see broker.NewSAMLAdapter's
// AcsURL).
func (h *Handler) RegisterACSRoute(group *gin.RouterGroup) {
	group.POST("/acs", h.ACS)
}

func (h *Handler) Authorize(c *gin.Context) {
	q := c.Request.URL.Query()
	if q.Get("response_type") != "code" {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "response_type must be code"))
		return
	}

	url, err := h.orch.Authorize(c.Request.Context(), AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		LoginHint:           q.Get("login_hint"),
		ConnectionID:        q.Get("connection_id"),
		Provider:            q.Get("provider"),
		DeviceID:            q.Get("device_id"),
		Platform:            q.Get("platform"),
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h *Handler) Callback(c *gin.Context) {
	q := c.Request.URL.Query()

	if brokerErr := q.Get("error"); brokerErr != "" {
		// The broker itself rejected the request (user denied consent,
		// etc.) before ever reaching our state verification; without a
		// verified state we have no redirect target to carry the error
		// to, so this is reported directly rather than bounced back.
		apperrors.HandleError(c, apperrors.RedirectError(apperrors.ErrCodeAccessDenied, brokerErr))
		return
	}

	h.finishCallback(c, q.Get("code"), q.Get("state"))
}

// ACS is the enterprise-SSO counterpart to Callback: where a federated
// OIDC provider redirects the browser back with ?code&state in the query
// string, a SAML IdP instead POSTs the assertion directly to this
// Assertion Consumer Service endpoint as form fields. Both ultimately
// feed the same state-verification and broker-exchange path — only the
// transport and field names differ (SAMLResponse/RelayState vs
// code/state).
func (h *Handler) ACS(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "malformed SAML response"))
		return
	}
	h.finishCallback(c, c.Request.PostForm.Get("SAMLResponse"), c.Request.PostForm.Get("RelayState"))
}

func (h *Handler) finishCallback(c *gin.Context, code, state string) {
	result, err := h.orch.Callback(c.Request.Context(), CallbackParams{Code: code, State: state})
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			apperrors.AbortWithError(c, appErr)
			return
		}
		apperrors.HandleError(c, err)
		return
	}

	loc := result.RedirectURI + "?code=" + result.Code + "&state=" + result.Nonce
	c.Redirect(http.StatusFound, loc)
}

func (h *Handler) Token(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		apperrors.HandleError(c, apperrors.Validation(apperrors.ErrCodeInvalidRequest, "malformed form body"))
		return
	}
	f := c.Request.PostForm

	toks, err := h.orch.Token(c.Request.Context(), TokenParams{
		GrantType:    f.Get("grant_type"),
		Code:         f.Get("code"),
		RedirectURI:  f.Get("redirect_uri"),
		CodeVerifier: f.Get("code_verifier"),
		RefreshToken: f.Get("refresh_token"),
		IP:           c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  toks.AccessToken,
		"refresh_token": toks.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(toks.AccessExpiresAt).Seconds()),
	})
}

func (h *Handler) JWKS(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.JWKS())
}
