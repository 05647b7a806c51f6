package lessons

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/embedding"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
	"github.com/dohr-michael/quorum/internal/store"
)

// wordEmbedder projects text onto a fixed vocabulary, so tests can steer
// similarity: texts sharing vocabulary words land close together.
type wordEmbedder struct {
	vocab []string
}

func (w wordEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, len(w.vocab)+1)
		vec[len(w.vocab)] = 0.1 // keeps unrelated texts off the zero vector
		lower := strings.ToLower(text)
		for d, word := range w.vocab {
			if strings.Contains(lower, word) {
				vec[d] = 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestIndex(t *testing.T) *VectorIndex {
	t.Helper()
	emb := wordEmbedder{vocab: []string{"shell", "timeout", "budget", "escrow"}}
	index, err := NewVectorIndex(context.Background(), t.TempDir(), emb)
	if err != nil {
		t.Fatalf("open vector index: %v", err)
	}
	return index
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRecordCapsPerTask(t *testing.T) {
	st := newTestStore(t)
	j := NewJournal(st, nil, config.LessonsConfig{MaxPerTask: 2}, quietLogger())
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		id, err := j.Record(ctx, "task_1", "misc", content)
		if err != nil {
			t.Fatalf("record %q: %v", content, err)
		}
		if id == "" {
			t.Fatalf("record %q returned empty id below the cap", content)
		}
	}

	id, err := j.Record(ctx, "task_1", "misc", "third")
	if err != nil {
		t.Fatalf("record over cap: %v", err)
	}
	if id != "" {
		t.Errorf("record over cap returned id %q, want skip", id)
	}

	n, err := st.CountLessonsByTask(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("lesson count = %d, want 2", n)
	}
}

func TestRecordRequiresContent(t *testing.T) {
	j := NewJournal(newTestStore(t), nil, config.LessonsConfig{}, quietLogger())

	_, err := j.Record(context.Background(), "task_1", "misc", "  ")
	if fault.KindOf(err) != fault.MissingRequiredParam {
		t.Fatalf("record empty content = %v, want missing_required_param", err)
	}
}

func TestRelevantFallsBackToRecency(t *testing.T) {
	st := newTestStore(t)
	j := NewJournal(st, nil, config.LessonsConfig{TopK: 5}, quietLogger())
	ctx := context.Background()

	if _, err := j.Record(ctx, "task_1", "dispatch", "prefer batch_async for fan-out"); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Record(ctx, "task_2", "budget", "escrow release must be idempotent"); err != nil {
		t.Fatal(err)
	}

	got, err := j.Relevant(ctx, "anything")
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	want := "- [budget] escrow release must be idempotent\n- [dispatch] prefer batch_async for fan-out"
	if got != want {
		t.Errorf("relevant = %q, want newest first %q", got, want)
	}
}

func TestRelevantRanksBySimilarity(t *testing.T) {
	st := newTestStore(t)
	j := NewJournal(st, newTestIndex(t), config.LessonsConfig{TopK: 2}, quietLogger())
	ctx := context.Background()

	if _, err := j.Record(ctx, "task_1", "dispatch", "shell commands need timeout margins"); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Record(ctx, "task_2", "budget", "escrow must balance on release"); err != nil {
		t.Fatal(err)
	}

	got, err := j.Relevant(ctx, "how long should a shell timeout be")
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("relevant returned %d lines, want 2: %q", len(lines), got)
	}
	if lines[0] != "- [dispatch] shell commands need timeout margins" {
		t.Errorf("best match = %q, want the shell lesson first", lines[0])
	}
}

func TestReindexRebuildsVectors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Rows recorded while no index was configured.
	bare := NewJournal(st, nil, config.LessonsConfig{}, quietLogger())
	if _, err := bare.Record(ctx, "task_1", "dispatch", "shell commands need timeout margins"); err != nil {
		t.Fatal(err)
	}
	if _, err := bare.Record(ctx, "task_2", "budget", "escrow must balance on release"); err != nil {
		t.Fatal(err)
	}

	if _, err := bare.Reindex(ctx); fault.KindOf(err) != fault.ServiceUnavailable {
		t.Fatalf("reindex without index = %v, want service_unavailable", err)
	}

	index := newTestIndex(t)
	j := NewJournal(st, index, config.LessonsConfig{TopK: 1}, quietLogger())
	stats, err := j.Reindex(ctx)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if stats.Total != 2 || stats.Indexed != 2 || stats.Errors != 0 {
		t.Fatalf("reindex stats = %+v, want 2 indexed", stats)
	}
	if got := index.Count(); got != 2 {
		t.Fatalf("index count = %d, want 2", got)
	}

	got, err := j.Relevant(ctx, "escrow budget balance")
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	if got != "- [budget] escrow must balance on release" {
		t.Errorf("relevant after reindex = %q", got)
	}
}
