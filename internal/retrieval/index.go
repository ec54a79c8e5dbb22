package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Index couples an Embedder with a VectorStore: texts go in, similar texts
// come out. Every Insert and Query makes one embedding provider call.
type Index struct {
	embedder Embedder
	store    VectorStore
}

// NewIndex creates an Index backed by the given Embedder and VectorStore.
func NewIndex(embedder Embedder, store VectorStore) *Index {
	return &Index{embedder: embedder, store: store}
}

// Backend names the underlying store.
func (ix *Index) Backend() string { return ix.store.Name() }

// Insert embeds every chunk and then writes them in one store call, so a
// failing embedding leaves nothing behind.
func (ix *Index) Insert(ctx context.Context, chunks []ChunkInput) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidInput, i)
		}
		texts[i] = c.Text
	}

	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embedding %d chunks: %w", ErrEmbeddingProvider, len(texts), err)
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingProvider, len(vecs), len(texts))
	}

	now := time.Now().UTC()
	records := make([]Record, len(chunks))
	for i, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := c.Metadata.Clone()
		sourceID := meta.String(MetaSourceID)
		if sourceID == "" {
			sourceID = id
		}
		chunkIndex, ok := meta.Int(MetaChunkIndex)
		if !ok {
			chunkIndex = int64(i)
		}
		records[i] = Record{
			ID:         id,
			SourceID:   sourceID,
			ChunkIndex: int(chunkIndex),
			Text:       c.Text,
			Embedding:  vecs[i],
			Metadata:   meta,
			CreatedAt:  now,
		}
	}

	if err := ix.store.Insert(ctx, records); err != nil {
		return fmt.Errorf("%w: inserting into %s: %w", ErrIndex, ix.store.Name(), err)
	}
	return nil
}

// Query embeds text and returns up to topK stored chunks, best first.
// An empty index returns an empty slice.
func (ix *Index) Query(ctx context.Context, text string, topK int) ([]SearchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrEmbeddingProvider, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for 1 query", ErrEmbeddingProvider, len(vecs))
	}

	scored, err := ix.store.Search(ctx, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("%w: searching %s: %w", ErrIndex, ix.store.Name(), err)
	}
	sortByScore(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return toResults(scored), nil
}

// DeleteAll drops every stored chunk.
func (ix *Index) DeleteAll(ctx context.Context) error {
	if err := ix.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("%w: clearing %s: %w", ErrIndex, ix.store.Name(), err)
	}
	return nil
}

// Count returns the number of stored chunks.
func (ix *Index) Count(ctx context.Context) (int, error) {
	n, err := ix.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %w", ErrIndex, ix.store.Name(), err)
	}
	return n, nil
}
