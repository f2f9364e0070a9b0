// Package keys derives the independent secret keys the auth subsystem
// needs from one operator-supplied master secret, using HKDF
// (RFC 5869, golang.org/x/crypto/hkdf).
//
// The three HMAC constructions used elsewhere in this service — refresh
// token integrity, OAuth state-blob integrity, and handoff poll-token
// integrity — must use independent secrets so that a leak of one
// construction's key (e.g. through a bug that echoes a refresh token back
// in a log line) cannot be used to forge a different construction. Rather
// than asking operators to provision and rotate three unrelated secrets,
// a single master secret is expanded into distinct subkeys by HKDF, each
// bound to a fixed, human-readable "info" label.
package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Subkey labels. Changing a label changes the derived key, which is
// equivalent to rotating it — useful during an incident response without
// needing a fresh master secret.
const (
	InfoRefreshToken = "aegis-auth/refresh-token/v1"
	InfoStateBlob    = "aegis-auth/oauth-state/v1"
	InfoPollToken    = "aegis-auth/handoff-poll/v1"
)

// Derive expands master into a 32-byte subkey bound to info using
// HKDF-SHA256. Safe to call repeatedly; it is deterministic for a given
// (master, info) pair.
func Derive(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("keys: master secret is empty")
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	subkey := make([]byte, 32)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("keys: derive subkey: %w", err)
	}
	return subkey, nil
}
