package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"

	"github.com/leadstitch/flowline/pkg/schema"
)

const (
	vaultKeyLen      = 32
	defaultKDFRounds = 100_000
)

// VaultConfig selects the vault key. A raw Key wins over passphrase
// derivation; with a passphrase the deployment Salt feeds the PBKDF2-SHA256
// stretch, so the same passphrase yields a different key per deployment.
type VaultConfig struct {
	Key        []byte
	Passphrase string
	Salt       []byte
	KDFRounds  int
}

func (c VaultConfig) keyMaterial() ([]byte, error) {
	if len(c.Key) > 0 {
		if len(c.Key) != vaultKeyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"vault key must be %d bytes, got %d", vaultKeyLen, len(c.Key))
		}
		return c.Key, nil
	}
	if c.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault needs a key or a passphrase")
	}
	if len(c.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "passphrase derivation needs a salt")
	}
	rounds := c.KDFRounds
	if rounds <= 0 {
		rounds = defaultKDFRounds
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, rounds, vaultKeyLen)
}

// AESVault keeps secrets sealed with AES-256-GCM in the backing store.
// Plaintext exists only in memory, while resolving for a run.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.keyMaterial()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "vault cipher init failed").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "vault cipher init failed").WithCause(err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// seal produces the stored envelope: nonce followed by ciphertext+tag.
func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "nonce generation failed").WithCause(err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(envelope []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(envelope) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "sealed value shorter than its nonce")
	}
	plaintext, err := v.aead.Open(nil, envelope[:nonceSize], envelope[nonceSize:], nil)
	if err != nil {
		// Wrong key and tampering are indistinguishable here.
		return nil, schema.NewError(schema.ErrCodeVault, "secret failed authentication").WithCause(err)
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

// ResolveAll opens every stored secret for seeding a run's scope. Any
// unreadable entry aborts the whole resolve so a run never starts with a
// silently missing credential.
func (v *AESVault) ResolveAll(ctx context.Context) (map[string]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		val, err := v.Resolve(ctx, k)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "resolve %q for run", k).WithCause(err)
		}
		out[k] = string(val)
	}
	return out, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
