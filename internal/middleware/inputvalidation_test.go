package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestInputValidator_Middleware_BlocksPathTraversal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	v := NewInputValidator()
	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/*path", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/foo/../../etc/passwd", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInputValidator_Middleware_BlocksSQLInjectionQueryParam(t *testing.T) {
	gin.SetMode(gin.TestMode)

	v := NewInputValidator()
	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/search", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/search?q="+strings.ReplaceAll("1 UNION SELECT password FROM users", " ", "+"), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInputValidator_Middleware_AllowsCleanRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	v := NewInputValidator()
	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/magic-auth", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/magic-auth?email=user@example.com", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInputValidator_SanitizeJSONMiddleware_StripsHTML(t *testing.T) {
	gin.SetMode(gin.TestMode)

	v := NewInputValidator()
	router := gin.New()
	router.Use(v.SanitizeJSONMiddleware())
	router.POST("/echo", func(c *gin.Context) {
		sanitized, _ := c.Get("sanitized_json")
		c.JSON(http.StatusOK, sanitized)
	})

	body := `{"name": "<script>alert(1)</script>hi"}`
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<script>")
	assert.Contains(t, w.Body.String(), "hi")
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"user@example.com", false},
		{"not-an-email", true},
		{"", true},
		{strings.Repeat("a", 255) + "@example.com", true},
	}

	for _, tt := range tests {
		err := ValidateEmail(tt.email)
		if tt.wantErr {
			assert.Error(t, err, "expected error for %q", tt.email)
		} else {
			assert.NoError(t, err, "expected no error for %q", tt.email)
		}
	}
}
