package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Failure classes of the retrieval core. Lower layers wrap the underlying
// cause together with one of these, so callers match with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrEmbeddingProvider = errors.New("embedding provider error")
	ErrIndex             = errors.New("index error")
)

// Metadata keys written on every chunk.
const (
	MetaUserID     = "user_id"
	MetaSourceID   = "source_id"
	MetaChunkIndex = "chunk_index"
	MetaSourceSHA  = "source_sha"
	MetaEmotion    = "emotion"
	MetaReason     = "reason"
	MetaSource     = "source"
)

// VectorStore is a persistent mapping from chunk id to (embedding, text,
// metadata) with nearest-neighbour search. Scores returned by Search are
// cosine similarities, higher is better, ordered best-first.
//
// Implementations: SQLiteStore (default, brute force), and the chroma and
// qdrant adapters under internal/vectorstore.
type VectorStore interface {
	// Name identifies the backend in status output and logs.
	Name() string

	// Insert persists all records or none of them.
	Insert(ctx context.Context, records []Record) error

	// Search returns up to topK records most similar to vector. An empty
	// store yields an empty slice and no error.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteAll drops every stored record.
	DeleteAll(ctx context.Context) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Metadata holds scalar attributes of a chunk: string, int64, float64 or bool.
type Metadata map[string]any

// String returns the string value stored under key.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int returns the integer stored under key. Backends that round-trip
// metadata through JSON hand back float64 or json.Number, both accepted.
func (m Metadata) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Clone returns a shallow copy; nil stays an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+6)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// normalizeMetadata converts JSON-decoded numbers back to int64 or float64.
func normalizeMetadata(m Metadata) Metadata {
	for k, v := range m {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			m[k] = i
		} else if f, err := n.Float64(); err == nil {
			m[k] = f
		}
	}
	return m
}

// Record is one stored chunk.
type Record struct {
	ID         string
	SourceID   string
	ChunkIndex int
	Text       string
	Embedding  []float32
	Metadata   Metadata
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// ChunkInput is a chunk handed to Index.Insert. An empty ID is replaced by
// a freshly minted one.
type ChunkInput struct {
	ID       string
	Text     string
	Metadata Metadata
}

// SearchResult is a single hit returned to callers. Score is a similarity,
// higher is better.
type SearchResult struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata,omitempty"`
}

func toResults(scored []ScoredRecord) []SearchResult {
	out := make([]SearchResult, len(scored))
	for i, s := range scored {
		out[i] = SearchResult{ID: s.ID, Text: s.Text, Score: s.Score, Metadata: s.Metadata}
	}
	return out
}
