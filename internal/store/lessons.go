package store

import (
	"context"
	"time"
)

// SaveLesson stores one lesson row. The matching embedding is written to
// the vector store by the lessons package.
func (s *Store) SaveLesson(ctx context.Context, l LessonRow) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (id, task_id, category, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, category = excluded.category
	`, l.ID, l.TaskID, l.Category, l.Content, l.CreatedAt)
	return err
}

// ListLessons returns all lessons, newest first, capped at limit.
func (s *Store) ListLessons(ctx context.Context, limit int) ([]LessonRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, category, content, created_at
		FROM lessons ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LessonRow
	for rows.Next() {
		var l LessonRow
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Category, &l.Content, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLessonsByTask returns how many lessons one task has recorded.
func (s *Store) CountLessonsByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM lessons WHERE task_id = ?
	`, taskID).Scan(&n)
	return n, err
}
