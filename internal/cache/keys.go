// This file defines cache key naming conventions for the three things the
// auth service's Redis layer actually caches: the published JWKS
// response, per-identifier rate-limit counters, and the cron-sweep
// distributed lock.
package cache

import "fmt"

// Key prefixes for different cached resource types.
const (
	PrefixJWKS      = "jwks"
	PrefixRateLimit = "ratelimit"
	PrefixCronLock  = "cronlock"
)

// JWKSKey is the single cache entry for the published key set, keyed by
// the current signer's key id so a rotation naturally misses the old
// cached entry rather than requiring an explicit invalidation.
func JWKSKey(currentKeyID string) string {
	return fmt.Sprintf("%s:%s", PrefixJWKS, currentKeyID)
}

// RateLimitKey scopes a rate-limit counter to an endpoint and an
// identifier (IP or email) — e.g. RateLimitKey("magic-auth", "ip:1.2.3.4").
func RateLimitKey(endpoint, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixRateLimit, endpoint, identifier)
}

// CronLockKey names the distributed SetNX lock a given sweep job
// acquires before running, so that only one replica executes a given
// scheduled job per tick.
func CronLockKey(job string) string {
	return fmt.Sprintf("%s:%s", PrefixCronLock, job)
}
