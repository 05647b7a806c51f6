package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dohr-michael/quorum/internal/fault"
)

// InsertSecret stores an encrypted secret, updating if the name exists.
func (s *Store) InsertSecret(ctx context.Context, row SecretRow) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext, description, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, row.Name, row.Ciphertext, row.Description, row.CreatedBy, row.CreatedAt, now)
	return err
}

// GetSecret loads one secret by name.
func (s *Store) GetSecret(ctx context.Context, name string) (*SecretRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, ciphertext, description, created_by, created_at, updated_at
		FROM secrets WHERE name = ?
	`, name)
	out := &SecretRow{}
	err := row.Scan(&out.Name, &out.Ciphertext, &out.Description, &out.CreatedBy, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "secret %s", name)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchSecrets returns secrets whose name or description contains the
// query, ciphertext omitted.
func (s *Store) SearchSecrets(ctx context.Context, query string) ([]SecretRow, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, created_by, created_at, updated_at
		FROM secrets WHERE name LIKE ? OR description LIKE ? ORDER BY name ASC
	`, like, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SecretRow
	for rows.Next() {
		var r SecretRow
		if err := rows.Scan(&r.Name, &r.Description, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSecret removes one secret.
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "secret %s", name)
	}
	return nil
}

// LogSecretUsage appends one audit entry for a resolved secret.
func (s *Store) LogSecretUsage(ctx context.Context, u SecretUsage) error {
	if u.UsedAt.IsZero() {
		u.UsedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secret_usage (secret_name, agent_id, action_id, used_at)
		VALUES (?, ?, ?, ?)
	`, u.SecretName, u.AgentID, u.ActionID, u.UsedAt)
	return err
}

// ListSecretUsage returns the audit trail for one secret, newest first.
func (s *Store) ListSecretUsage(ctx context.Context, secretName string, limit int) ([]SecretUsage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT secret_name, agent_id, action_id, used_at
		FROM secret_usage WHERE secret_name = ? ORDER BY id DESC LIMIT ?
	`, secretName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SecretUsage
	for rows.Next() {
		var u SecretUsage
		if err := rows.Scan(&u.SecretName, &u.AgentID, &u.ActionID, &u.UsedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertCredential stores a provider credential.
func (s *Store) UpsertCredential(ctx context.Context, c Credential) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, provider, model_id, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider = excluded.provider,
			model_id = excluded.model_id,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at
	`, c.Name, c.Provider, c.ModelID, c.Ciphertext, c.CreatedAt, now)
	return err
}

// GetCredential loads one credential by name.
func (s *Store) GetCredential(ctx context.Context, name string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, provider, model_id, ciphertext, created_at, updated_at
		FROM credentials WHERE name = ?
	`, name)
	return scanCredential(row, "credential "+name)
}

// GetCredentialByModel finds the credential bound to a model id, if any.
func (s *Store) GetCredentialByModel(ctx context.Context, modelID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, provider, model_id, ciphertext, created_at, updated_at
		FROM credentials WHERE model_id = ? ORDER BY updated_at DESC LIMIT 1
	`, modelID)
	return scanCredential(row, "credential for model "+modelID)
}

// DeleteCredential removes one credential.
func (s *Store) DeleteCredential(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "credential %s", name)
	}
	return nil
}

func scanCredential(row *sql.Row, what string) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(&c.Name, &c.Provider, &c.ModelID, &c.Ciphertext, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "%s", what)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
