package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *KeyStore {
	t.Helper()
	store, err := OpenKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("OpenKeyStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGenerateKeyShape(t *testing.T) {
	secret, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if !strings.HasPrefix(secret, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", secret, KeyPrefix)
	}
	if !ValidKeyShape(secret) {
		t.Errorf("ValidKeyShape(%q) = false for a generated key", secret)
	}

	for _, bad := range []string{"", "ccn_sk_", "ccn_sk_zzzz", "sk_deadbeef", secret + "00"} {
		if ValidKeyShape(bad) {
			t.Errorf("ValidKeyShape(%q) = true, want false", bad)
		}
	}
}

func TestCreateAndValidateKey(t *testing.T) {
	store := newTestStore(t)
	v := NewStoreValidator(store)

	secret, key, err := store.CreateKey(RoleProvider, "workstation", "")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if key.AccountID == "" {
		t.Error("CreateKey() minted empty account id")
	}

	id, err := v.ValidateKey(secret)
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if id.AccountID != key.AccountID || id.Role != RoleProvider {
		t.Errorf("ValidateKey() = %+v, want account %s / provider", id, key.AccountID)
	}
}

func TestValidateRejectsUnknownAndMalformed(t *testing.T) {
	v := NewStoreValidator(newTestStore(t))

	unknown, _ := GenerateKey()
	if _, err := v.ValidateKey(unknown); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateKey(unknown) error = %v, want ErrAuthFailure", err)
	}
	if _, err := v.ValidateKey("not-a-key"); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateKey(malformed) error = %v, want ErrAuthFailure", err)
	}
}

func TestRevokeDisablesKey(t *testing.T) {
	store := newTestStore(t)
	v := NewStoreValidator(store)

	secret, key, err := store.CreateKey(RoleProvider, "old laptop", "")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if err := store.RevokeKey(key.Hash); err != nil {
		t.Fatalf("RevokeKey() error = %v", err)
	}

	if _, err := v.ValidateKey(secret); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateKey(revoked) error = %v, want ErrAuthFailure", err)
	}
	if err := store.RevokeKey("no-such-hash"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("RevokeKey(unknown) error = %v, want ErrKeyNotFound", err)
	}
}

func TestListKeys(t *testing.T) {
	store := newTestStore(t)
	store.CreateKey(RoleProvider, "one", "")
	store.CreateKey(RoleConsumer, "two", "acct-2")

	keys, err := store.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListKeys() returned %d keys, want 2", len(keys))
	}
	for _, k := range keys {
		if !k.Enabled {
			t.Errorf("key %s listed as disabled", k.Label)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := NewSessionManager(time.Hour)

	id := Identity{AccountID: "acct-1", Role: RoleConsumer}
	token, err := m.IssueSession(id)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}

	got, err := m.ValidateSession(token)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if got != id {
		t.Errorf("ValidateSession() = %+v, want %+v", got, id)
	}

	if _, err := m.ValidateSession("bogus"); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateSession(bogus) error = %v, want ErrAuthFailure", err)
	}

	m.RevokeSession(token)
	if _, err := m.ValidateSession(token); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateSession(revoked) error = %v, want ErrAuthFailure", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m := NewSessionManager(time.Minute)
	current := time.Now()
	m.now = func() time.Time { return current }

	token, err := m.IssueSession(Identity{AccountID: "acct-1", Role: RoleConsumer})
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := m.ValidateSession(token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("ValidateSession(expired) error = %v, want ErrSessionExpired", err)
	}
}

func TestMockKeyValidator(t *testing.T) {
	m := NewMockKeyValidator()
	m.AddKey("secret-1", Identity{AccountID: "acct-1", Role: RoleProvider})

	id, err := m.ValidateKey("secret-1")
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if id.AccountID != "acct-1" {
		t.Errorf("ValidateKey() account = %s, want acct-1", id.AccountID)
	}

	m.RemoveKey("secret-1")
	if _, err := m.ValidateKey("secret-1"); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("ValidateKey(removed) error = %v, want ErrAuthFailure", err)
	}
}
