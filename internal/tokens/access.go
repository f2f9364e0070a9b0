// Package tokens implements the Token Signer (C1): asymmetric access
// tokens, opaque symmetric refresh tokens, and opaque symmetric state
// blobs.
//
// ACCESS TOKENS are RS256-signed JWTs. Unlike a shared-secret HMAC token,
// anything holding only the public key (published at
// /oauth/.well-known/jwks.json) can verify a token but cannot forge one —
// the private key never leaves this process. The header carries a `kid`
// so the verifier can support key rotation: retire an old key by removing
// it from the published set while still accepting tokens signed under a
// newer one.
//
// ALGORITHM CONFUSION: ValidateAccessToken pins the expected signing
// method before trusting anything else in the token. A JWT's header is
// attacker-controlled input; a library that blindly uses the header's
// declared algorithm lets an attacker hand back a token "signed" with
// HS256 using the *public* RSA key (republished as a PEM string) as the
// HMAC secret, which a naive verifier will happily accept. Only
// *jwt.SigningMethodRSA is ever accepted here.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
)

// Claims are the access token's registered + custom claims.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	DeviceID  string `json:"did,omitempty"`
}

// Signer signs and verifies access tokens under one RSA keypair.
type Signer struct {
	privateKey *rsa.PrivateKey
	keyID      string
	issuer     string
	audience   string
	ttl        time.Duration
	clockSkew  time.Duration
}

// NewSigner constructs a Signer. privateKey must be the operator's
// long-lived RSA key; losing it invalidates every access token in flight
// but not refresh tokens, which are HMAC-based (see refresh.go).
func NewSigner(privateKey *rsa.PrivateKey, keyID, issuer, audience string, ttl, clockSkew time.Duration) *Signer {
	return &Signer{
		privateKey: privateKey,
		keyID:      keyID,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		clockSkew:  clockSkew,
	}
}

// PublicKey exposes the verification key for JWKS publication.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}

// KeyID returns the key id published alongside the public key.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign mints a new access token bound to sid (session id) and did (device
// id, may be empty), subject to sub (user id).
func (s *Signer) Sign(userID, sessionID, deviceID string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
		},
		SessionID: sessionID,
		DeviceID:  deviceID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tokens: sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a presented access token against this
// signer's key, issuer, audience, and clock-skew tolerance. A token whose
// `kid` does not match this signer's key id fails — in a multi-key
// deployment, the caller is expected to look the right Signer up from a
// key-id-keyed registry (see Registry below) before calling Verify.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("tokens: unexpected signing method %v", t.Header["alg"])
		}
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("tokens: unknown key id %q", kid)
		}
		return s.PublicKey(), nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.TokenInvalid()
	}
	if !parsed.Valid {
		return nil, apperrors.TokenInvalid()
	}
	return claims, nil
}

// Registry resolves a key id to the Signer that can verify it, so that a
// retired key can keep verifying tokens issued before rotation while new
// tokens are signed under the current key.
type Registry struct {
	current *Signer
	byKeyID map[string]*Signer
}

// NewRegistry builds a registry whose active signer (the one Sign() calls
// use) is current; retired contains additional signers kept around only
// for Verify() of not-yet-expired tokens from before a rotation.
func NewRegistry(current *Signer, retired ...*Signer) *Registry {
	r := &Registry{current: current, byKeyID: map[string]*Signer{current.KeyID(): current}}
	for _, s := range retired {
		r.byKeyID[s.KeyID()] = s
	}
	return r
}

// Current returns the signer used to mint new tokens.
func (r *Registry) Current() *Signer {
	return r.current
}

// Verify parses the token's kid without validating the signature yet,
// looks up the matching signer, then delegates to it.
func (r *Registry) Verify(tokenString string) (*Claims, error) {
	kid, err := peekKeyID(tokenString)
	if err != nil {
		return nil, apperrors.TokenInvalid()
	}
	signer, ok := r.byKeyID[kid]
	if !ok {
		return nil, apperrors.TokenInvalid()
	}
	return signer.Verify(tokenString)
}

// All returns every signer the registry knows about, current and
// retired, for JWKS publication.
func (r *Registry) All() []*Signer {
	signers := make([]*Signer, 0, len(r.byKeyID))
	for _, s := range r.byKeyID {
		signers = append(signers, s)
	}
	return signers
}

func peekKeyID(tokenString string) (string, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", err
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return "", fmt.Errorf("tokens: token missing kid")
	}
	return kid, nil
}
