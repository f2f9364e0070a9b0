// Package pkce implements the PKCE Verifier (C2): PKCE challenge
// verification per RFC 7636, S256 only.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only challenge method this service accepts. Anything
// else presented at /oauth/authorize fails with invalid_request before a
// challenge is ever stored.
const MethodS256 = "S256"

// Challenge computes base64url(SHA-256(verifier)), the value a client
// sends as code_challenge.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether verifier matches the stored challenge. Uses a
// constant-time comparison on the derived challenge, not the verifier
// itself, since the challenge is the value that was persisted and is
// compared byte-for-byte.
func Verify(verifier, storedChallenge string) bool {
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1
}
