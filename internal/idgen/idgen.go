// Package idgen provides id and password-seed generation for the bridge:
// tracking, conversation and session ids, and opaque random seeds and nonces.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TrackingID returns a fresh opaque id for a Delivery Arbiter submission.
func TrackingID() string {
	return uuid.New().String()
}

// ConversationID returns a fresh opaque conversation id for a ConversationBinding.
func ConversationID() string {
	return uuid.New().String()
}

// SessionID returns a fresh opaque id for a PeerRegistration.
func SessionID() string {
	return uuid.New().String()
}

// PasswordSeed returns a fresh random secret used for idempotent re-auth,
// independent of agent_id so it cannot be derived by an observer.
func PasswordSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: generating password seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RegistrationNonce returns a short random value suitable for a one-time
// registration token component.
func RegistrationNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: generating nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
