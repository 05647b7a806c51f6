package secrets

import (
	"context"

	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

// SetCredential encrypts a provider credential and upserts its row. An
// optional modelID binds the credential to one model for lookup by id.
func (v *Vault) SetCredential(ctx context.Context, name, provider, modelID, value string) error {
	blob, err := Encrypt(value, v.identity.Recipient())
	if err != nil {
		return err
	}
	return v.store.UpsertCredential(ctx, store.Credential{
		Name:       name,
		Provider:   provider,
		ModelID:    modelID,
		Ciphertext: blob,
	})
}

// Credential decrypts the named credential. This is the resolution the
// model registry falls back to when a provider's config names a stored
// credential instead of carrying a key.
func (v *Vault) Credential(name string) (string, error) {
	row, err := v.store.GetCredential(context.Background(), name)
	if err != nil {
		return "", err
	}
	plain, err := Decrypt(row.Ciphertext, v.identity)
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "credential %s", name)
	}
	return plain, nil
}

// CredentialByModel decrypts the credential bound to a model id.
func (v *Vault) CredentialByModel(ctx context.Context, modelID string) (string, error) {
	row, err := v.store.GetCredentialByModel(ctx, modelID)
	if err != nil {
		return "", err
	}
	plain, err := Decrypt(row.Ciphertext, v.identity)
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "credential for model %s", modelID)
	}
	return plain, nil
}

// DeleteCredential removes one stored credential.
func (v *Vault) DeleteCredential(ctx context.Context, name string) error {
	return v.store.DeleteCredential(ctx, name)
}
