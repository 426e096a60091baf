package memorywriter

import (
	"context"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SkipReason names why a memory-write job produced no extraction attempt
// at all, per spec.md SS4.4's three named skip cases.
type SkipReason string

const (
	SkipMemoryDisabled SkipReason = "memory_disabled"
	SkipMissingAPIKey  SkipReason = "missing_api_key"
	SkipInvalidAPIKey  SkipReason = "invalid_api_key"
	SkipEmptySegment   SkipReason = "empty_segment"
)

// UserSettings is the subset of a user's settings row the memory writer
// needs: whether memory is enabled at all, and their encrypted LLM API
// key (sealed with chacha20poly1305, nonce prefixed to the ciphertext).
type UserSettings struct {
	MemoryEnabled      bool
	APIKeySealed       []byte // nonce || ciphertext || tag, or nil if never set
	APIKeyMetaComplete bool   // false if the key record is mid-rotation or malformed
}

// SettingsStore loads a user's memory-writer settings. A real deployment
// backs this with the same store the run engine uses for everything
// else; kept as a narrow interface here so tests don't need a full
// store.Store.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (*UserSettings, error)
}

// decryptAPIKey unseals an API key sealed with chacha20poly1305 under
// encryptionKey (must be exactly 32 bytes), with the nonce prefixed to
// the sealed blob.
func decryptAPIKey(encryptionKey []byte, sealed []byte) (string, error) {
	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("construct aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("sealed key too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return string(plaintext), nil
}

// resolveAPIKey applies spec.md SS4.4's gate before any LLM call is
// attempted: memory must be enabled, a key must be present, its metadata
// must be complete, and it must actually decrypt.
func resolveAPIKey(settings *UserSettings, encryptionKey []byte) (string, SkipReason) {
	if settings == nil || !settings.MemoryEnabled {
		return "", SkipMemoryDisabled
	}
	if len(settings.APIKeySealed) == 0 || !settings.APIKeyMetaComplete {
		return "", SkipMissingAPIKey
	}
	key, err := decryptAPIKey(encryptionKey, settings.APIKeySealed)
	if err != nil || key == "" {
		return "", SkipInvalidAPIKey
	}
	return key, ""
}
