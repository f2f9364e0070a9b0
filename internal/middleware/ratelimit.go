package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter is a sliding-window attempt counter: CheckLimit records one
// attempt for key and reports whether key has stayed within maxAttempts
// over the trailing window. Used to guard brute-forceable, pre-auth
// endpoints (magic-code verification, handoff polling) where a token
// bucket's steady allowance is the wrong shape — what matters is "no more
// than N tries in the last T", not an average rate.
type RateLimiter struct {
	attempts map[string][]time.Time
	mu       sync.Mutex
}

// NewRateLimiter constructs a RateLimiter and starts its cleanup routine.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{attempts: make(map[string][]time.Time)}
	go rl.cleanupRoutine()
	return rl
}

// CheckLimit records an attempt for key and reports whether it is still
// within the limit (true = allowed). Expired attempts are pruned first.
func (rl *RateLimiter) CheckLimit(key string, maxAttempts int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	rl.attempts[key] = pruneBefore(rl.attempts[key], cutoff)

	if len(rl.attempts[key]) >= maxAttempts {
		return false
	}
	rl.attempts[key] = append(rl.attempts[key], now)
	return true
}

// GetAttempts reports how many attempts for key fall within the trailing
// window, without recording a new one.
func (rl *RateLimiter) GetAttempts(key string, window time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-window)
	rl.attempts[key] = pruneBefore(rl.attempts[key], cutoff)
	return len(rl.attempts[key])
}

// ResetLimit clears all recorded attempts for key.
func (rl *RateLimiter) ResetLimit(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// cleanupRoutine periodically drops keys with no attempts newer than
// CleanupThreshold, so abandoned IPs/emails don't accumulate forever.
func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-CleanupThreshold)
		for key, times := range rl.attempts {
			kept := pruneBefore(times, cutoff)
			if len(kept) == 0 {
				delete(rl.attempts, key)
			} else {
				rl.attempts[key] = kept
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware applying CheckLimit keyed by client
// IP. Intended for pre-auth, brute-forceable endpoints.
func (rl *RateLimiter) Middleware(maxAttempts int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CheckLimit(c.ClientIP(), maxAttempts, window) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many attempts. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// KeyFunc extracts the rate-limit key from a request — e.g. the email in
// a magic-auth body, read and restored before CheckLimit runs.
type KeyFunc func(c *gin.Context) string

// MiddlewareByKey is Middleware but keyed by an arbitrary extractor
// instead of client IP, e.g. the target email of a magic-code request so
// repeated requests for one victim's inbox are throttled even from
// rotating source IPs.
func (rl *RateLimiter) MiddlewareByKey(maxAttempts int, window time.Duration, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			c.Next()
			return
		}
		if !rl.CheckLimit(key, maxAttempts, window) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many attempts. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserRateLimiter implements per-user rate limiting via a token bucket,
// for authenticated endpoints placed after the auth middleware (e.g.
// /logout-all). Kept as a token bucket, unlike RateLimiter above, since
// a steady per-user allowance (not a sliding attempt count) is the right
// shape once a caller is already authenticated.
type UserRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

// NewUserRateLimiter creates a new per-user rate limiter.
// requestsPerHour: number of requests allowed per hour per user.
func NewUserRateLimiter(requestsPerHour float64, burst int) *UserRateLimiter {
	url := &UserRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerHour / 3600.0),
		burst:    burst,
		cleanup:  10 * time.Minute,
	}
	go url.cleanupRoutine()
	return url
}

func (url *UserRateLimiter) getLimiter(userID string) *rate.Limiter {
	url.mu.RLock()
	limiter, exists := url.limiters[userID]
	url.mu.RUnlock()

	if !exists {
		url.mu.Lock()
		limiter = rate.NewLimiter(url.rate, url.burst)
		url.limiters[userID] = limiter
		url.mu.Unlock()
	}
	return limiter
}

func (url *UserRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(url.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		url.mu.Lock()
		if len(url.limiters) > 5000 {
			url.limiters = make(map[string]*rate.Limiter)
		}
		url.mu.Unlock()
	}
}

// Middleware rate limits by the authenticated user id set in context by
// the auth middleware under the "userID" key. Must run after it.
func (url *UserRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDInterface, exists := c.Get("userID")
		if !exists {
			c.Next()
			return
		}
		userID, ok := userIDInterface.(string)
		if !ok || userID == "" {
			c.Next()
			return
		}

		if !url.getLimiter(userID).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "user_rate_limit_exceeded",
				"message": "You have exceeded your hourly request quota. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
