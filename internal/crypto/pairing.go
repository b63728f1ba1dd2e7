package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PairingCode is the out-of-band triple a viewer needs to find and verify
// the producer: session id, producer public key, and a capture timestamp
// (spec §3/§4.3). It is valid iff all three fields are present.
type PairingCode struct {
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey"` // base64
	Timestamp int64  `json:"timestamp"`
}

// Encode serializes the pairing code as base64url text for QR/link transmission.
// (QR rendering itself is out of scope — spec §1.)
func (p PairingCode) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodePairingCode parses a base64url-encoded pairing code and validates
// that all three required fields are present.
func DecodePairingCode(encoded string) (PairingCode, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return PairingCode{}, fmt.Errorf("decode pairing code: %w", err)
	}
	var p PairingCode
	if err := json.Unmarshal(data, &p); err != nil {
		return PairingCode{}, fmt.Errorf("parse pairing code: %w", err)
	}
	if p.SessionID == "" || p.PublicKey == "" || p.Timestamp == 0 {
		return PairingCode{}, fmt.Errorf("pairing code missing required field")
	}
	return p, nil
}

// DeriveUserID hashes an opaque user secret into a stable, non-reversible
// identifier. Derivation is deterministic and never fails — an invalid or
// empty-looking secret still produces a usable userId; the relay is a
// trust-on-first-use directory, not an authenticator (spec §4.1).
func DeriveUserID(userSecret string) string {
	sum := sha256.Sum256([]byte(userSecret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
