package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const defaultSessionTTL = 12 * time.Hour

// SessionManager mints and validates short-lived consumer session
// tokens. Sessions live in memory only; a gateway restart invalidates
// them and clients re-authenticate with their API key.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
	ttl      time.Duration
	now      func() time.Time
}

type sessionRecord struct {
	identity  Identity
	expiresAt time.Time
}

// NewSessionManager creates a session manager. ttl <= 0 uses the default.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionManager{
		sessions: make(map[string]sessionRecord),
		ttl:      ttl,
		now:      time.Now,
	}
}

// IssueSession mints a token for the identity.
func (m *SessionManager) IssueSession(id Identity) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	m.mu.Lock()
	m.sessions[token] = sessionRecord{identity: id, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return token, nil
}

// ValidateSession returns the identity behind a token. Expired sessions
// are removed on access.
func (m *SessionManager) ValidateSession(token string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[token]
	if !ok {
		return Identity{}, ErrAuthFailure
	}
	if m.now().After(rec.expiresAt) {
		delete(m.sessions, token)
		return Identity{}, ErrSessionExpired
	}
	return rec.identity, nil
}

// RevokeSession drops a token immediately.
func (m *SessionManager) RevokeSession(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}
