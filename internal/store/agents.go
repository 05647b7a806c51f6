package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dohr-michael/quorum/internal/fault"
)

// SaveAgent upserts an agent row with its state blob.
func (s *Store) SaveAgent(ctx context.Context, a AgentRow) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, task_id, parent_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, a.ID, a.TaskID, a.ParentID, string(a.State), a.CreatedAt, now)
	return err
}

// SaveAgentWithConversation writes the agent state blob and appends new
// conversation entries atomically, so a crash never leaves history the
// state blob does not know about.
func (s *Store) SaveAgentWithConversation(ctx context.Context, a AgentRow, entries []ConversationEntry) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, task_id, parent_id, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
		`, a.ID, a.TaskID, a.ParentID, string(a.State), a.CreatedAt, now); err != nil {
			return err
		}
		for _, e := range entries {
			at := e.CreatedAt
			if at.IsZero() {
				at = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (agent_id, model_id, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, a.ID, e.ModelID, e.Role, e.Content, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAgent loads one agent row.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, parent_id, state, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "agent %s", id)
	}
	return a, err
}

// ListAgentsByTask returns every agent belonging to a task, oldest first
// so parents come before their children on restore.
func (s *Store) ListAgentsByTask(ctx context.Context, taskID string) ([]AgentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, parent_id, state, created_at, updated_at
		FROM agents WHERE task_id = ? ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAgent removes one agent and its conversation entries.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE agent_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		return err
	})
}

// AppendConversation appends entries to one agent's history without
// touching the state blob.
func (s *Store) AppendConversation(ctx context.Context, agentID string, entries []ConversationEntry) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			at := e.CreatedAt
			if at.IsZero() {
				at = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (agent_id, model_id, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, agentID, e.ModelID, e.Role, e.Content, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadConversation returns an agent's full history grouped by model id,
// each model's entries in insertion order.
func (s *Store) LoadConversation(ctx context.Context, agentID string) (map[string][]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, model_id, role, content, created_at
		FROM conversations WHERE agent_id = ? ORDER BY id ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]ConversationEntry)
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.AgentID, &e.ModelID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out[e.ModelID] = append(out[e.ModelID], e)
	}
	return out, rows.Err()
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*AgentRow, error) {
	a := &AgentRow{}
	var state string
	if err := scanner.Scan(&a.ID, &a.TaskID, &a.ParentID, &state, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.State = []byte(state)
	return a, nil
}
