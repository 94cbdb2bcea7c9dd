// Package auth issues and validates the gateway's credentials: provider
// API keys (long-lived, stored hashed) and consumer session tokens
// (short-lived, in memory).
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// KeyPrefix marks gateway API keys.
const KeyPrefix = "ccn_sk_"

const keyRandomBytes = 24

// KeyRole scopes what a key may do.
type KeyRole string

const (
	RoleProvider KeyRole = "provider"
	RoleConsumer KeyRole = "consumer"
)

// Key describes a stored API key. The secret itself is never stored;
// only its hash is.
type Key struct {
	Hash      string
	AccountID string
	Role      KeyRole
	Label     string
	Enabled   bool
	CreatedAt time.Time
}

// GenerateKey returns a new API key secret. The secret is shown once at
// creation and never recoverable afterwards.
func GenerateKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the storage form of a key secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidKeyShape reports whether a presented credential is even shaped
// like a gateway key, allowing a cheap reject before the store lookup.
func ValidKeyShape(secret string) bool {
	if !strings.HasPrefix(secret, KeyPrefix) {
		return false
	}
	hexPart := secret[len(KeyPrefix):]
	if len(hexPart) != keyRandomBytes*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
