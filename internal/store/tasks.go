package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dohr-michael/quorum/internal/fault"
)

// SaveTask inserts a new task row.
func (s *Store) SaveTask(ctx context.Context, t Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, prompt, status, result, error_message, budget_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Prompt, t.Status, t.Result, t.ErrorMessage, t.BudgetLimit, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, status, result, error_message, budget_limit, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "task %s", id)
	}
	return t, err
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, status, result, error_message, budget_limit, created_at, updated_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTasksByStatus returns tasks in one status, newest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, status, result, error_message, budget_limit, created_at, updated_at
		FROM tasks WHERE status = ? ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus transitions a task, rejecting moves the lifecycle does
// not allow. Result and errorMessage land with terminal transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, result, errorMessage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current TaskStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.NotFound, "task %s", id)
		}
		if err != nil {
			return err
		}
		if current == status {
			return nil
		}
		if !ValidTransition(current, status) {
			return fault.New(fault.InvalidParam, "task %s: cannot move %s to %s", id, current, status)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error_message = ?, updated_at = ?
			WHERE id = ?
		`, status, result, errorMessage, time.Now().UTC(), id)
		return err
	})
}

// UpdateTaskBudget changes a task's budget limit. nil clears it.
func (s *Store) UpdateTaskBudget(ctx context.Context, id string, limit *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET budget_limit = ?, updated_at = ? WHERE id = ?
	`, limit, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "task %s", id)
	}
	return nil
}

// DeleteTask removes a task with its agents, conversations, costs, and
// logs in one transaction.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.NotFound, "task %s", id)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversations WHERE agent_id IN (SELECT id FROM agents WHERE task_id = ?)
		`, id); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM agents WHERE task_id = ?`,
			`DELETE FROM costs WHERE task_id = ?`,
			`DELETE FROM logs WHERE task_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	t := &Task{}
	if err := scanner.Scan(&t.ID, &t.Prompt, &t.Status, &t.Result, &t.ErrorMessage, &t.BudgetLimit, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}
