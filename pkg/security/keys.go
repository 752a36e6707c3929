// Package security holds the envelope around the elicitation engine: key
// derivation, response binding, nonce replay detection, and per-agent rate
// limits. Nothing in this package touches the event log directly; denials are
// classified by the caller into audit events.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyLen = 32

// Deriver derives every per-session secret from a single master secret.
// Derived keys are deterministic, so a restart recovers session keys from the
// projected session table without ever persisting key material.
type Deriver struct {
	master []byte
}

// NewDeriver validates the master secret and returns a Deriver. Secrets
// shorter than 32 bytes are rejected outright.
func NewDeriver(master []byte) (*Deriver, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("master secret too short: need at least 32 bytes, got %d", len(master))
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Deriver{master: cp}, nil
}

// SessionKey derives the 256-bit key for a session via HKDF-SHA256.
func (d *Deriver) SessionKey(sessionID string) []byte {
	r := hkdf.New(sha256.New, d.master, nil, []byte("parley/session/"+sessionID))
	key := make([]byte, sessionKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot fail for a 32-byte read with SHA-256.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// ResponseBindingKey computes the expected_response_key for an elicitation:
// an HMAC over the elicitation id and creation nonce, keyed by the addressed
// responder's session key. Only the holder of that session can produce it.
func ResponseBindingKey(sessionKey []byte, elicitationID, nonce string) string {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(elicitationID))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenSignature signs the token fields with the session key. Tokens are
// self-describing; the signature is what makes them unforgeable.
func TokenSignature(sessionKey []byte, agentID, sessionID, createdAt string) string {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(agentID))
	mac.Write([]byte{0})
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(createdAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeysEqual compares two hex-encoded MACs in constant time.
func KeysEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
