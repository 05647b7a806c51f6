package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dohr-michael/quorum/internal/fault"
)

// SaveSchedule upserts one recurring task definition.
func (s *Store) SaveSchedule(ctx context.Context, sc Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, prompt, budget_limit, enabled, max_runs, run_count, last_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cron_expr = excluded.cron_expr,
			prompt = excluded.prompt,
			budget_limit = excluded.budget_limit,
			enabled = excluded.enabled,
			max_runs = excluded.max_runs,
			updated_at = excluded.updated_at
	`, sc.ID, sc.Name, sc.CronExpr, sc.Prompt, sc.BudgetLimit, sc.Enabled, sc.MaxRuns, sc.RunCount, sc.LastRun, sc.CreatedAt, now)
	return err
}

// GetSchedule loads one schedule.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cron_expr, prompt, budget_limit, enabled, max_runs, run_count, last_run, created_at, updated_at
		FROM schedules WHERE id = ?
	`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "schedule %s", id)
	}
	return sc, err
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, prompt, budget_limit, enabled, max_runs, run_count, last_run, created_at, updated_at
		FROM schedules ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// MarkScheduleRun bumps the run counter, stamps last_run, and disables
// the schedule when it reaches max_runs.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runCount, maxRuns int
		err := tx.QueryRowContext(ctx, `SELECT run_count, max_runs FROM schedules WHERE id = ?`, id).
			Scan(&runCount, &maxRuns)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.NotFound, "schedule %s", id)
		}
		if err != nil {
			return err
		}
		runCount++
		enabled := maxRuns == 0 || runCount < maxRuns
		_, err = tx.ExecContext(ctx, `
			UPDATE schedules SET run_count = ?, last_run = ?, enabled = ?, updated_at = ? WHERE id = ?
		`, runCount, at.UTC(), enabled, time.Now().UTC(), id)
		return err
	})
}

// DeleteSchedule removes one schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "schedule %s", id)
	}
	return nil
}

func scanSchedule(scanner interface{ Scan(dest ...any) error }) (*Schedule, error) {
	sc := &Schedule{}
	if err := scanner.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Prompt, &sc.BudgetLimit, &sc.Enabled, &sc.MaxRuns, &sc.RunCount, &sc.LastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	return sc, nil
}
