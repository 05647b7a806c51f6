package store

import (
	"context"
	"encoding/json"
	"time"
)

// AppendCost records one spend entry. Cost rows are never updated or
// deleted outside task deletion.
func (s *Store) AppendCost(ctx context.Context, c CostRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	meta := "{}"
	if len(c.Metadata) > 0 {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO costs (agent_id, task_id, cost_type, amount, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.AgentID, c.TaskID, c.Type, c.Amount, meta, c.CreatedAt)
	return err
}

// SumCosts returns an agent's total recorded spend.
func (s *Store) SumCosts(ctx context.Context, agentID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM costs WHERE agent_id = ?
	`, agentID).Scan(&total)
	return total, err
}

// SumCostsByTask returns the combined spend of every agent in a task.
func (s *Store) SumCostsByTask(ctx context.Context, taskID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM costs WHERE task_id = ?
	`, taskID).Scan(&total)
	return total, err
}

// ListCostsByTask returns a task's cost entries, oldest first.
func (s *Store) ListCostsByTask(ctx context.Context, taskID string) ([]CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, task_id, cost_type, amount, metadata, created_at
		FROM costs WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		var c CostRecord
		var meta string
		if err := rows.Scan(&c.AgentID, &c.TaskID, &c.Type, &c.Amount, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendLog records one durable log line.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (agent_id, task_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.AgentID, e.TaskID, e.Level, e.Message, meta, e.CreatedAt)
	return err
}

// ListLogsByAgent returns an agent's recent log lines, newest first.
func (s *Store) ListLogsByAgent(ctx context.Context, agentID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, task_id, level, message, metadata, created_at
		FROM logs WHERE agent_id = ? ORDER BY id DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var meta string
		if err := rows.Scan(&e.AgentID, &e.TaskID, &e.Level, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
