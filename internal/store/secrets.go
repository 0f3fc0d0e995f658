package store

import (
	"database/sql"
	"fmt"
)

// sealer matches the vault's Encrypt/Decrypt signature. The store never
// imports internal/vault directly — callers pass a sealer in, which keeps
// the Store free of key material and lets tests stub encryption out.
type sealer interface {
	Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error)
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}

// SaveSecret encrypts value with v and stores it under name, replacing any
// existing value.
func (s *Store) SaveSecret(v sealer, name string, value []byte) error {
	ciphertext, nonce, err := v.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO secrets (name, value, nonce, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, nonce = excluded.nonce, updated_at = CURRENT_TIMESTAMP`,
		name, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("save secret %q: %w", name, err)
	}
	return nil
}

// GetSecret decrypts and returns the named secret. Returns ErrNotFound if
// no secret is registered under that name.
func (s *Store) GetSecret(v sealer, name string) ([]byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRow(`SELECT value, nonce FROM secrets WHERE name = ?`, name).Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %q: %w", name, err)
	}
	plaintext, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return plaintext, nil
}

// ListSecretNames returns registered secret names without decrypting
// values, for display in the dashboard / IPC status replies.
func (s *Store) ListSecretNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secret names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan secret name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	return nil
}
