package secrets

import (
	"context"
	"crypto/rand"
	"math/big"

	"filippo.io/age"

	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

// Vault encrypts secrets with the node's age identity and persists the
// ciphertext rows. Plaintext only ever lives in memory.
type Vault struct {
	store    *store.Store
	identity *age.X25519Identity
}

// OpenVault loads (creating on first use) the age identity at keyPath and
// binds it to the store.
func OpenVault(st *store.Store, keyPath string) (*Vault, error) {
	if err := GenerateIdentity(keyPath); err != nil {
		return nil, err
	}
	id, err := LoadIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	return &Vault{store: st, identity: id}, nil
}

// Set encrypts value and stores it under name, replacing any existing
// entry.
func (v *Vault) Set(ctx context.Context, name, value, description, createdBy string) error {
	blob, err := Encrypt(value, v.identity.Recipient())
	if err != nil {
		return err
	}
	return v.store.InsertSecret(ctx, store.SecretRow{
		Name:        name,
		Ciphertext:  blob,
		Description: description,
		CreatedBy:   createdBy,
	})
}

// Get decrypts one secret.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	row, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	plain, err := Decrypt(row.Ciphertext, v.identity)
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "secret %s", name)
	}
	return plain, nil
}

// Delete removes one secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// Search lists secrets matching query by name or description. Ciphertext
// is never included.
func (v *Vault) Search(ctx context.Context, query string) ([]store.SecretRow, error) {
	return v.store.SearchSecrets(ctx, query)
}

// LogUsage appends one audit entry for a resolved secret.
func (v *Vault) LogUsage(ctx context.Context, name, agentID, actionID string) error {
	return v.store.LogSecretUsage(ctx, store.SecretUsage{
		SecretName: name,
		AgentID:    agentID,
		ActionID:   actionID,
	})
}

// ListUsage returns the audit trail for one secret.
func (v *Vault) ListUsage(ctx context.Context, name string, limit int) ([]store.SecretUsage, error) {
	return v.store.ListSecretUsage(ctx, name, limit)
}

const generateAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generate creates a random value of the given length, stores it under
// name, and returns the plaintext exactly once for the caller to hand
// off. Agents only ever learn the name.
func (v *Vault) Generate(ctx context.Context, name string, length int, description, createdBy string) (string, error) {
	if length <= 0 {
		length = 32
	}
	value, err := randomString(length)
	if err != nil {
		return "", err
	}
	if err := v.Set(ctx, name, value, description, createdBy); err != nil {
		return "", err
	}
	return value, nil
}

func randomString(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(generateAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = generateAlphabet[n.Int64()]
	}
	return string(out), nil
}
