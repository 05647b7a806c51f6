package lessons

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cloudwego/eino/components/embedding"
	chromem "github.com/philippgille/chromem-go"
)

const collectionName = "quorum_lessons"

// VectorHit is one semantic search result.
type VectorHit struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// VectorIndex wraps chromem-go for persistent lesson embeddings. The
// durable rows live in the sqlite store; this index only serves recall.
type VectorIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorIndex opens a persistent vector index in dir. The embedder is
// bridged from Eino's [][]float64 to chromem-go's []float32.
func NewVectorIndex(ctx context.Context, dir string, embedder embedding.Embedder) (*VectorIndex, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "vectors"), false)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, bridgeEmbedder(ctx, embedder))
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}

	return &VectorIndex{db: db, collection: col}, nil
}

// Upsert adds or replaces one document.
func (vi *VectorIndex) Upsert(ctx context.Context, id, content string, meta map[string]string) error {
	return vi.collection.Add(ctx, []string{id}, nil, []map[string]string{meta}, []string{content})
}

// Delete removes one document.
func (vi *VectorIndex) Delete(ctx context.Context, id string) error {
	return vi.collection.Delete(ctx, nil, nil, id)
}

// Query returns up to n results closest to the query text.
func (vi *VectorIndex) Query(ctx context.Context, query string, n int) ([]VectorHit, error) {
	count := vi.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := vi.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]VectorHit, len(results))
	for i, r := range results {
		out[i] = VectorHit{ID: r.ID, Content: r.Content, Similarity: r.Similarity, Metadata: r.Metadata}
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (vi *VectorIndex) Count() int {
	return vi.collection.Count()
}

// bridgeEmbedder converts an Eino Embedder to a chromem-go EmbeddingFunc.
func bridgeEmbedder(ctx context.Context, embedder embedding.Embedder) chromem.EmbeddingFunc {
	return func(embedCtx context.Context, text string) ([]float32, error) {
		if embedCtx == context.Background() {
			embedCtx = ctx
		}
		vectors, err := embedder.EmbedStrings(embedCtx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embed text: %w", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return nil, fmt.Errorf("embed text: empty result")
		}

		f64 := vectors[0]
		f32 := make([]float32, len(f64))
		for i, v := range f64 {
			f32[i] = float32(v)
		}
		return f32, nil
	}
}
