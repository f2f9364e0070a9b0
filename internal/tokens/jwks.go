package tokens

import (
	"crypto/rsa"

	josejwk "github.com/go-jose/go-jose/v4"
)

// JWKSet is the wire shape of /oauth/.well-known/jwks.json.
type JWKSet struct {
	Keys []josejwk.JSONWebKey `json:"keys"`
}

// JWKS builds the public key set for every signer the registry knows
// about (current and retired), so a client mid-rotation can still verify
// a token signed moments before the key changed.
func (r *Registry) JWKS() JWKSet {
	keys := make([]josejwk.JSONWebKey, 0, len(r.byKeyID))
	for kid, signer := range r.byKeyID {
		keys = append(keys, jwkFor(kid, signer.PublicKey()))
	}
	return JWKSet{Keys: keys}
}

func jwkFor(kid string, pub *rsa.PublicKey) josejwk.JSONWebKey {
	return josejwk.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}
}
