package auth

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    hash       TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keys_account ON api_keys(account_id);
`

// KeyStore is SQLite-backed API key storage.
type KeyStore struct {
	db *sql.DB
}

// OpenKeyStore opens (or creates) the key database at dbPath.
func OpenKeyStore(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open key db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &KeyStore{db: db}, nil
}

// CreateKey mints a new API key for the given role and label. The
// returned secret is the only copy; the store keeps its hash. A fresh
// account id is minted unless accountID is given.
func (s *KeyStore) CreateKey(role KeyRole, label, accountID string) (secret string, key Key, err error) {
	secret, err = GenerateKey()
	if err != nil {
		return "", Key{}, err
	}
	if accountID == "" {
		accountID = uuid.NewString()
	}
	key = Key{
		Hash:      HashKey(secret),
		AccountID: accountID,
		Role:      role,
		Label:     label,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	_, err = s.db.Exec(`
		INSERT INTO api_keys (hash, account_id, role, label, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		key.Hash, key.AccountID, string(key.Role), key.Label,
		key.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", Key{}, fmt.Errorf("insert key: %w", err)
	}
	return secret, key, nil
}

// ListKeys returns all stored keys, newest first.
func (s *KeyStore) ListKeys() ([]Key, error) {
	rows, err := s.db.Query(`
		SELECT hash, account_id, role, label, enabled, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		var role, created string
		var enabled int
		if err := rows.Scan(&k.Hash, &k.AccountID, &role, &k.Label, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.Role = KeyRole(role)
		k.Enabled = enabled != 0
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			k.CreatedAt = t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey disables the key with the given hash. Revocation is
// permanent; a revoked key cannot be re-enabled.
func (s *KeyStore) RevokeKey(hash string) error {
	result, err := s.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Lookup returns the stored key matching a presented secret.
func (s *KeyStore) Lookup(secret string) (Key, error) {
	var k Key
	var role, created string
	var enabled int
	err := s.db.QueryRow(`
		SELECT hash, account_id, role, label, enabled, created_at
		FROM api_keys WHERE hash = ?`, HashKey(secret)).
		Scan(&k.Hash, &k.AccountID, &role, &k.Label, &enabled, &created)
	if err == sql.ErrNoRows {
		return Key{}, ErrKeyNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("query key: %w", err)
	}
	k.Role = KeyRole(role)
	k.Enabled = enabled != 0
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		k.CreatedAt = t
	}
	return k, nil
}

// Close closes the database connection.
func (s *KeyStore) Close() error {
	return s.db.Close()
}
