package auth

import "errors"

// Credential errors
var (
	// ErrAuthFailure indicates the presented credential is unknown, revoked,
	// or malformed. Callers get no more detail than this.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrKeyNotFound indicates the key is not in the store
	ErrKeyNotFound = errors.New("key not found")

	// ErrSessionExpired indicates the session token's lifetime has passed
	ErrSessionExpired = errors.New("session expired")
)
