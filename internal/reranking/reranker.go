// Package reranking re-scores retrieval candidates with a second similarity
// function: a separate embedding model or an LLM judge.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

const defaultConcurrency = 3

// Modes accepted by New.
const (
	ModeNone      = "none"
	ModeEmbedding = "embedding"
	ModeLLM       = "llm"
)

// Completer is the LLM completion collaborator: a prompt in, text out.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrNoScores is returned by LLMReranker when the judge scored none of the
// candidates.
var ErrNoScores = errors.New("reranker: no candidate could be scored")

var (
	_ retrieval.Reranker = (*LLMReranker)(nil)
	_ retrieval.Reranker = (*EmbeddingReranker)(nil)
)

// New returns the reranker for mode, or nil when re-ranking is disabled.
// The Service treats a nil reranker as "filter by min_score instead".
func New(mode string, embedder retrieval.Embedder, llm Completer) (retrieval.Reranker, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeNone:
		return nil, nil
	case ModeEmbedding:
		if embedder == nil {
			return nil, fmt.Errorf("reranking mode %q needs an embedder", mode)
		}
		return NewEmbeddingReranker(embedder), nil
	case ModeLLM:
		if llm == nil {
			return nil, fmt.Errorf("reranking mode %q needs a completion client", mode)
		}
		return NewLLMReranker(llm), nil
	default:
		return nil, fmt.Errorf("unknown reranking mode %q (want none, embedding or llm)", mode)
	}
}

// EmbeddingReranker scores candidates by cosine similarity under a second
// embedding model, typically a larger one than the index was built with.
type EmbeddingReranker struct {
	embedder retrieval.Embedder
}

// NewEmbeddingReranker re-scores with embedder.
func NewEmbeddingReranker(embedder retrieval.Embedder) *EmbeddingReranker {
	return &EmbeddingReranker{embedder: embedder}
}

// Rerank embeds the query and every candidate in one call and sorts by
// the resulting cosine similarity.
func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, candidates []retrieval.SearchResult) ([]retrieval.SearchResult, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, c := range candidates {
		texts = append(texts, c.Text)
	}

	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding rerank candidates: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("rerank embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}

	out := make([]retrieval.SearchResult, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = retrieval.Cosine(vecs[0], vecs[i+1])
	}
	sortByScore(out)
	return out, nil
}

// LLMReranker asks a language model to rate each (query, candidate) pair.
// Scoring runs concurrently (bounded to defaultConcurrency goroutines).
type LLMReranker struct {
	llm         Completer
	concurrency int
}

// NewLLMReranker scores with llm.
func NewLLMReranker(llm Completer) *LLMReranker {
	return &LLMReranker{llm: llm, concurrency: defaultConcurrency}
}

// Rerank scores every candidate and returns them sorted by score. Scores
// are on the judge's 0..1 scale; a candidate the judge could not score gets
// 0 and sorts after every scored one. If no candidate could be scored, or
// ctx ends first, Rerank returns an error and the caller keeps the index
// order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []retrieval.SearchResult) ([]retrieval.SearchResult, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	out := make([]retrieval.SearchResult, len(candidates))
	copy(out, candidates)

	var (
		mu      sync.Mutex
		scored  int
		lastErr error
	)
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(c *retrieval.SearchResult) {
			defer wg.Done()
			// Acquire concurrency slot or bail on cancellation.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(ctx, query, c.Text)
			if err != nil {
				c.Score = 0
				if ctx.Err() == nil {
					slog.Debug("reranker: score failed, ranking candidate last", "id", c.ID, "error", err)
				}
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			c.Score = score
			mu.Lock()
			scored++
			mu.Unlock()
		}(&out[i])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("llm rerank incomplete: %w", err)
	}
	if scored == 0 {
		return nil, fmt.Errorf("%w: %d candidates, last error: %v", ErrNoScores, len(out), lastErr)
	}
	sortByScore(out)
	return out, nil
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float32, error) {
	prompt := "Rate how similar the following hotel guest feedback is to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Feedback: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return 0, err
	}
	score, err := parseScore(resp)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", resp, err)
	}
	return float32(min(max(score, 0), 1)), nil
}

// parseScore extracts {"score": x} from an LLM response, tolerating
// markdown code fences and conversational filler around the object.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score field")
	}
	return *obj.Score, nil
}

func sortByScore(rs []retrieval.SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Score > rs[j].Score })
}
