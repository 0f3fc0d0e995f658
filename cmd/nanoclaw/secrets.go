package main

import (
	"fmt"

	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/vault"
)

// vaultSecretResolver satisfies queue.SecretResolver by decrypting a named
// secret out of the store's secrets table with the configured vault
// passphrase. It is the only place nanoclaw's vault touches the queue.
type vaultSecretResolver struct {
	store *store.Store
	vault *vault.Vault
}

func newVaultSecretResolver(s *store.Store, v *vault.Vault) *vaultSecretResolver {
	return &vaultSecretResolver{store: s, vault: v}
}

func (r *vaultSecretResolver) Resolve(name string) (string, error) {
	plain, err := r.store.GetSecret(r.vault, name)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q: %w", name, err)
	}
	return string(plain), nil
}
