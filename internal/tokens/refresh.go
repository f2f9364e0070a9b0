package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// RefreshSigner builds and verifies the opaque refresh-token construction:
// base64url(sid "." fid) "." base64url(HMAC-SHA256(payload)).
//
// The token's own plaintext is never stored; SessionStore persists only
// SHA-256(token) as a lookup index (see internal/sessions). The HMAC
// secret here is independent of the access-token signing key and of the
// state-blob secret — see internal/keys for the derivation.
type RefreshSigner struct {
	secret []byte
}

// NewRefreshSigner constructs a RefreshSigner from a derived HMAC secret.
func NewRefreshSigner(secret []byte) *RefreshSigner {
	return &RefreshSigner{secret: secret}
}

// Mint produces a fresh opaque refresh token for the given session and
// family id. The family id never changes within one session's lifetime;
// callers re-mint with the same fid on every successful rotation.
func (s *RefreshSigner) Mint(sessionID, familyID string) string {
	payload := sessionID + "." + familyID
	mac := s.sign(payload)
	return base64url(payload) + "." + base64url(string(mac))
}

// Parse splits a presented refresh token into its (sessionID, familyID)
// pair and verifies the HMAC in constant time. It does not consult the
// database; callers must still compare the token's SHA-256 against the
// session's stored hash (see sessions.Store.Rotate) since a token that
// verifies here could still be an already-rotated-away prior token.
func (s *RefreshSigner) Parse(token string) (sessionID, familyID string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("tokens: malformed refresh token")
	}
	payloadB64, macB64 := parts[0], parts[1]

	payload, err := base64urlDecode(payloadB64)
	if err != nil {
		return "", "", fmt.Errorf("tokens: malformed refresh token payload")
	}
	presentedMAC, err := base64urlDecode(macB64)
	if err != nil {
		return "", "", fmt.Errorf("tokens: malformed refresh token signature")
	}

	expectedMAC := s.sign(payload)
	if subtle.ConstantTimeCompare(expectedMAC, []byte(presentedMAC)) != 1 {
		return "", "", fmt.Errorf("tokens: refresh token signature mismatch")
	}

	sidFid := strings.SplitN(payload, ".", 2)
	if len(sidFid) != 2 {
		return "", "", fmt.Errorf("tokens: malformed refresh token identity")
	}
	return sidFid[0], sidFid[1], nil
}

// Hash returns SHA-256(token) as the value stored and compared in the
// database; the refresh token's plaintext itself is never persisted.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *RefreshSigner) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func base64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func base64urlDecode(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
