package auth

import "sync"

// Identity is the result of validating a credential.
type Identity struct {
	AccountID string
	Role      KeyRole
}

// KeyValidator authenticates a presented API key secret.
type KeyValidator interface {
	ValidateKey(secret string) (Identity, error)
}

// StoreValidator validates keys against the key store.
type StoreValidator struct {
	store *KeyStore
}

// NewStoreValidator creates a validator backed by store.
func NewStoreValidator(store *KeyStore) *StoreValidator {
	return &StoreValidator{store: store}
}

// ValidateKey checks shape, existence, and enablement. All failure modes
// collapse to ErrAuthFailure so callers leak nothing to the client.
func (v *StoreValidator) ValidateKey(secret string) (Identity, error) {
	if !ValidKeyShape(secret) {
		return Identity{}, ErrAuthFailure
	}
	k, err := v.store.Lookup(secret)
	if err != nil {
		return Identity{}, ErrAuthFailure
	}
	if !k.Enabled {
		return Identity{}, ErrAuthFailure
	}
	return Identity{AccountID: k.AccountID, Role: k.Role}, nil
}

// MockKeyValidator is a test validator mapping secrets to identities.
type MockKeyValidator struct {
	mu   sync.Mutex
	keys map[string]Identity
}

// NewMockKeyValidator creates an empty mock validator.
func NewMockKeyValidator() *MockKeyValidator {
	return &MockKeyValidator{keys: make(map[string]Identity)}
}

// AddKey registers a secret with the mock.
func (m *MockKeyValidator) AddKey(secret string, id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[secret] = id
}

// RemoveKey drops a secret from the mock.
func (m *MockKeyValidator) RemoveKey(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, secret)
}

func (m *MockKeyValidator) ValidateKey(secret string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[secret]
	if !ok {
		return Identity{}, ErrAuthFailure
	}
	return id, nil
}
