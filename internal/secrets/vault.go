package secrets

import "context"

// Vault resolves the secrets exposed to runs as {{secrets.KEY}}.
// Values are encrypted at rest (AES-256-GCM) and decrypted in memory only.
// ResolveAll decrypts the full set for seeding an execution scope.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	ResolveAll(ctx context.Context) (map[string]string, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface the vault needs.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
