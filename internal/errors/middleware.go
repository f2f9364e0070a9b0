// This file implements error handling middleware for Gin framework.
//
// Purpose:
// - Centralize error handling across all API endpoints
// - Convert AppError to consistent JSON responses
// - Log errors with appropriate severity levels
// - Recover from panics gracefully
// - Provide helper functions for error responses
//
// Features:
// - Automatic error logging (ERROR for 5xx, WARN for 4xx)
// - Panic recovery with error response
// - Consistent error response format
// - Error severity classification
// - Request abort on critical errors
//
// Middleware Functions:
//   - ErrorHandler: Handles AppError and generic errors
//   - Recovery: Recovers from panics
//   - HandleError: Helper for error responses in handlers
//   - AbortWithError: Helper to abort request with error
//
// Implementation Details:
// - Integrates with Gin's error handling mechanism (c.Errors)
// - Logs errors using standard library log (consider upgrading to structured logging)
// - Preserves error details for debugging
// - Automatically sets HTTP status codes
//
// Thread Safety:
// - Middleware is thread-safe
// - Safe for concurrent requests
//
// Dependencies:
// - github.com/gin-gonic/gin for HTTP framework
//
// Example Usage:
//
//	// Apply error handling middleware
//	router.Use(errors.Recovery())
//	router.Use(errors.ErrorHandler())
//
//	// In handler: return error and let middleware handle it
//	func handler(c *gin.Context) {
//	    session, err := getSession(id)
//	    if err != nil {
//	        errors.HandleError(c, errors.SessionNotFound(id))
//	        return
//	    }
//	    c.JSON(200, session)
//	}
//
//	// Or abort immediately
//	if !authorized {
//	    errors.AbortWithError(c, errors.Forbidden("Access denied"))
//	    return
//	}
package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegis-auth/aegis/internal/logger"
)

// ErrorHandler is the single funneling middleware every handler's errors
// pass through. It maps an *AppError's Kind to the right log sink —
// SecurityEvent and Conflict both log at Warn through logger.Security()
// with the true InternalReason attached, while the wire body they produce
// is identical to a plain Authentication failure. This is what keeps the
// 401 invalid_grant response from acting as an oracle for which of
// {user unknown, session revoked, token tampered, code reused} actually
// happened.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		appErr, ok := err.Err.(*AppError)
		if !ok {
			logger.Log.Error().Err(err.Err).Msg("unhandled error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   ErrCodeInternalServer,
				Message: "An unexpected error occurred",
				Code:    ErrCodeInternalServer,
			})
			return
		}

		logAppError(c, appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
	}
}

func logAppError(c *gin.Context, appErr *AppError) {
	switch appErr.Kind {
	case KindSecurityEvent:
		logger.Security().Warn().
			Str("path", c.Request.URL.Path).
			Str("code", appErr.Code).
			Str("reason", appErr.InternalReason).
			Msg("security event")
	case KindConflict:
		logger.Security().Info().
			Str("path", c.Request.URL.Path).
			Str("code", appErr.Code).
			Str("reason", appErr.InternalReason).
			Msg("conflicting consumption")
	case KindUpstreamUnavailable:
		logger.Log.Warn().Str("code", appErr.Code).Str("details", appErr.Details).Msg("upstream unavailable")
	case KindInternal:
		logger.Log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg("internal error")
	default:
		if appErr.StatusCode >= 500 {
			logger.Log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
		} else {
			logger.Log.Debug().Str("code", appErr.Code).Msg(appErr.Message)
		}
	}
}

// Recovery is a middleware that recovers from panics.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Log.Error().Interface("panic", err).Msg("recovered from panic")

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   ErrCodeInternalServer,
					Message: "An unexpected error occurred",
					Code:    ErrCodeInternalServer,
				})

				c.Abort()
			}
		}()

		c.Next()
	}
}

// HandleError is a helper function to handle errors in handlers.
func HandleError(c *gin.Context, err error) {
	if appErr, ok := err.(*AppError); ok {
		c.Error(appErr)
		logAppError(c, appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
	} else {
		internalErr := InternalServer(err.Error())
		internalErr.Kind = KindInternal
		c.Error(internalErr)
		logAppError(c, internalErr)
		c.JSON(internalErr.StatusCode, internalErr.ToResponse())
	}
}

// AbortWithError is a helper to abort request with error.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	logAppError(c, err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}

// AbortWithRedirectError aborts the request with a 302 redirect to
// redirectURI carrying `error=<code>` (and, when non-empty, `state`).
// Used by /oauth/callback, whose failures are never JSON bodies.
func AbortWithRedirectError(c *gin.Context, redirectURI, state string, err *AppError) {
	c.Error(err)
	logAppError(c, err)
	loc := redirectURI + "?error=" + err.Code
	if state != "" {
		loc += "&state=" + state
	}
	c.Redirect(http.StatusFound, loc)
	c.Abort()
}
