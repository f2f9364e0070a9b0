package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
)

// State is the payload carried in the OAuth orchestrator's tamper-proof
// state blob across the broker round-trip. Nonce is the caller-supplied
// `state` query parameter, echoed back unchanged — this is what preserves
// the client's own CSRF token across the redirect through the broker.
type State struct {
	RedirectURI   string `json:"redirect_uri"`
	CodeChallenge string `json:"code_challenge"`
	ClientID      string `json:"client_id"`
	ProtocolTag   string `json:"protocol_tag"`
	ConnectionID  string `json:"connection_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Nonce         string `json:"nonce"`
}

// StateSigner builds and verifies opaque state blobs using the same
// base64url(payload) "." base64url(HMAC(payload)) construction as
// RefreshSigner, under an independent secret.
type StateSigner struct {
	secret []byte
}

// NewStateSigner constructs a StateSigner from a derived HMAC secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret}
}

// Sign serializes and HMAC-tamper-proofs a State.
func (s *StateSigner) Sign(state State) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("tokens: marshal state: %w", err)
	}
	mac := s.sign(payload)
	return base64url(string(payload)) + "." + base64url(string(mac)), nil
}

// Verify checks the HMAC in constant time and, on success, unmarshals the
// payload. Any bit-flip in either half of the blob causes verification to
// fail — per invariant 5, verifyState(signState(x)) = x and any corrupted
// half is rejected outright rather than partially trusted.
func (s *StateSigner) Verify(blob string) (State, error) {
	var state State

	parts := strings.SplitN(blob, ".", 2)
	if len(parts) != 2 {
		return state, fmt.Errorf("tokens: malformed state blob")
	}
	payloadB64, macB64 := parts[0], parts[1]

	payload, err := base64urlDecode(payloadB64)
	if err != nil {
		return state, fmt.Errorf("tokens: malformed state payload")
	}
	presentedMAC, err := base64urlDecode(macB64)
	if err != nil {
		return state, fmt.Errorf("tokens: malformed state signature")
	}

	expectedMAC := s.sign([]byte(payload))
	if subtle.ConstantTimeCompare(expectedMAC, []byte(presentedMAC)) != 1 {
		return state, fmt.Errorf("tokens: state signature mismatch")
	}

	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return state, fmt.Errorf("tokens: malformed state json: %w", err)
	}
	return state, nil
}

func (s *StateSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
