// Package lessons keeps the durable record of what finished tasks taught
// the system and serves the most relevant entries back to agents when they
// build a decision prompt.
package lessons

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

const (
	defaultTopK    = 5
	reindexScanCap = 10000
)

// Journal stores lessons as sqlite rows with embeddings in the vector
// index. index may be nil, in which case recall falls back to recency.
type Journal struct {
	store      *store.Store
	index      *VectorIndex
	topK       int
	maxPerTask int
	log        *slog.Logger
}

// NewJournal wires the journal over the shared store and an optional
// vector index.
func NewJournal(st *store.Store, index *VectorIndex, cfg config.LessonsConfig, log *slog.Logger) *Journal {
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Journal{
		store:      st,
		index:      index,
		topK:       topK,
		maxPerTask: cfg.MaxPerTask,
		log:        log.With(slog.String("component", "lessons")),
	}
}

// NewID mints a lesson identifier.
func NewID() string {
	return "lesson_" + uuid.NewString()[:8]
}

// Record stores one lesson and indexes it for recall. Returns the lesson
// id, or "" when the task already reached its lesson cap.
func (j *Journal) Record(ctx context.Context, taskID, category, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fault.New(fault.MissingRequiredParam, "lesson content is required")
	}

	if j.maxPerTask > 0 && taskID != "" {
		n, err := j.store.CountLessonsByTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		if n >= j.maxPerTask {
			j.log.Debug("lesson cap reached", slog.String("task_id", taskID), slog.Int("count", n))
			return "", nil
		}
	}

	row := store.LessonRow{ID: NewID(), TaskID: taskID, Category: category, Content: content}
	if err := j.store.SaveLesson(ctx, row); err != nil {
		return "", err
	}

	if j.index != nil {
		if err := j.index.Upsert(ctx, row.ID, content, lessonMeta(row)); err != nil {
			// The row is durable; the index catches up on the next Reindex.
			j.log.Warn("index lesson", slog.String("id", row.ID), slog.String("error", err.Error()))
		}
	}

	j.log.Info("lesson recorded",
		slog.String("id", row.ID),
		slog.String("task_id", taskID),
		slog.String("category", category))
	return row.ID, nil
}

// Relevant returns up to topK lesson lines for a decision prompt, best
// match first. Satisfies the agent lesson source interface. Without an
// index it returns the newest lessons instead.
func (j *Journal) Relevant(ctx context.Context, query string) (string, error) {
	if j.index != nil && j.index.Count() > 0 {
		hits, err := j.index.Query(ctx, query, j.topK)
		if err == nil {
			return renderHits(hits), nil
		}
		j.log.Debug("vector recall failed, using recency", slog.String("error", err.Error()))
	}

	rows, err := j.store.ListLessons(ctx, j.topK)
	if err != nil {
		return "", err
	}
	return renderRows(rows), nil
}

// List returns the newest lessons, for the gateway and CLI surfaces.
func (j *Journal) List(ctx context.Context, limit int) ([]store.LessonRow, error) {
	return j.store.ListLessons(ctx, limit)
}

// ReindexStats summarizes one Reindex pass.
type ReindexStats struct {
	Total   int
	Indexed int
	Errors  int
}

// Reindex rebuilds the vector index from the stored rows, for recovery
// after the index directory is lost or the embedding model changes.
func (j *Journal) Reindex(ctx context.Context) (ReindexStats, error) {
	if j.index == nil {
		return ReindexStats{}, fault.New(fault.ServiceUnavailable, "no vector index configured")
	}

	rows, err := j.store.ListLessons(ctx, reindexScanCap)
	if err != nil {
		return ReindexStats{}, err
	}

	stats := ReindexStats{Total: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := j.index.Upsert(ctx, row.ID, row.Content, lessonMeta(row)); err != nil {
			j.log.Warn("reindex lesson", slog.String("id", row.ID), slog.String("error", err.Error()))
			stats.Errors++
			continue
		}
		stats.Indexed++
	}

	j.log.Info("lesson reindex complete", slog.Int("indexed", stats.Indexed), slog.Int("errors", stats.Errors))
	return stats, nil
}

func lessonMeta(row store.LessonRow) map[string]string {
	return map[string]string{"task_id": row.TaskID, "category": row.Category}
}

func renderRows(rows []store.LessonRow) string {
	var b strings.Builder
	for _, r := range rows {
		writeLine(&b, r.Category, r.Content)
	}
	return b.String()
}

func renderHits(hits []VectorHit) string {
	var b strings.Builder
	for _, h := range hits {
		writeLine(&b, h.Metadata["category"], h.Content)
	}
	return b.String()
}

func writeLine(b *strings.Builder, category, content string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString("- ")
	if category != "" {
		b.WriteString("[" + category + "] ")
	}
	b.WriteString(content)
}
