package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soulstay/feedbackrag/internal/chunker"
)

// Reranker re-scores candidates against the query with a second similarity
// function. Implementations return the candidates with Score replaced by
// their own score, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error)
}

// Metrics receives outcome counters from the Service. See
// internal/observability for the Prometheus implementation.
type Metrics interface {
	FeedbackAdded(status AddStatus, chunks int)
	SearchCompleted(outcome string, took time.Duration, results int)
	RerankFailed()
}

type noopMetrics struct{}

func (noopMetrics) FeedbackAdded(AddStatus, int)               {}
func (noopMetrics) SearchCompleted(string, time.Duration, int) {}
func (noopMetrics) RerankFailed()                              {}

// Search outcomes reported to Metrics.
const (
	SearchOK       = "ok"
	SearchEmpty    = "empty_query"
	SearchFailed   = "failed"
	SearchReranked = "reranked"
)

// AddStatus tells how AddFeedback ended.
type AddStatus string

const (
	AddInserted  AddStatus = "inserted"
	AddDuplicate AddStatus = "duplicate"
	AddSkipped   AddStatus = "skipped"
	AddFailed    AddStatus = "failed"
)

// AddOutcome reports what AddFeedback did. Err is set for skipped and
// failed adds and matches ErrInvalidInput, ErrEmbeddingProvider or ErrIndex.
type AddOutcome struct {
	Status   AddStatus
	SourceID string
	Chunks   int
	Err      error
}

// ServiceConfig holds the collaborators and knobs of a Service. Only the
// Splitter is required; everything else has a usable zero value.
type ServiceConfig struct {
	Splitter      chunker.Splitter
	Reranker      Reranker // nil disables re-ranking
	Oversample    int      // candidates fetched per requested result; default 4
	Timeout       time.Duration
	RerankTimeout time.Duration
	Metrics       Metrics
	Logger        *slog.Logger
}

// Service is the retrieval surface used by the feedback intake and chat
// flows. It never returns errors: failures are logged and degrade to an
// empty result or a failed AddOutcome.
//
// The duplicate check in AddFeedback is not atomic with the insert. Two
// identical submissions racing each other may both be stored; callers that
// need strict deduplication must serialize submissions.
type Service struct {
	index         *Index
	splitter      chunker.Splitter
	reranker      Reranker
	oversample    int
	timeout       time.Duration
	rerankTimeout time.Duration
	metrics       Metrics
	logger        *slog.Logger
}

// NewService creates a Service over index.
func NewService(index *Index, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	splitter := cfg.Splitter
	if splitter == nil {
		splitter = chunker.NewSentence(chunker.DefaultMaxLength)
	}
	oversample := cfg.Oversample
	if oversample < 1 {
		oversample = 4
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		index:         index,
		splitter:      splitter,
		reranker:      cfg.Reranker,
		oversample:    oversample,
		timeout:       cfg.Timeout,
		rerankTimeout: cfg.RerankTimeout,
		metrics:       metrics,
		logger:        logger,
	}
}

// Index returns the underlying index for administrative operations.
func (s *Service) Index() *Index { return s.index }

// AddFeedback chunks text and indexes it tagged with userID and meta,
// unless it is empty or already indexed. meta is copied, not retained.
func (s *Service) AddFeedback(ctx context.Context, userID int64, text string, meta Metadata) AddOutcome {
	out := s.addFeedback(ctx, userID, text, meta)
	s.metrics.FeedbackAdded(out.Status, out.Chunks)
	return out
}

func (s *Service) addFeedback(ctx context.Context, userID int64, text string, meta Metadata) AddOutcome {
	if strings.TrimSpace(text) == "" {
		s.logger.Info("skipping empty feedback", "user_id", userID)
		return AddOutcome{Status: AddSkipped, Err: fmt.Errorf("%w: empty feedback", ErrInvalidInput)}
	}

	sha := textSHA(text)
	dup, err := s.isDuplicate(ctx, text, sha)
	if err != nil {
		s.logger.Error("duplicate check failed, feedback not indexed",
			"user_id", userID, "source_sha", sha, "error", err)
		return AddOutcome{Status: AddFailed, Err: err}
	}
	if dup {
		s.logger.Debug("feedback already indexed", "user_id", userID, "source_sha", sha)
		return AddOutcome{Status: AddDuplicate}
	}

	chunks := s.splitter.Split(text)
	if len(chunks) == 0 {
		return AddOutcome{Status: AddSkipped, Err: fmt.Errorf("%w: no chunks produced", ErrInvalidInput)}
	}

	sourceID := uuid.NewString()
	inputs := make([]ChunkInput, len(chunks))
	for i, c := range chunks {
		m := meta.Clone()
		m[MetaUserID] = userID
		m[MetaSourceID] = sourceID
		m[MetaChunkIndex] = int64(i)
		m[MetaSourceSHA] = sha
		inputs[i] = ChunkInput{ID: fmt.Sprintf("%s-%d", sourceID, i), Text: c, Metadata: m}
	}

	ictx, cancel := s.withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.index.Insert(ictx, inputs); err != nil {
		err = asProviderTimeout(err)
		s.logger.Error("indexing feedback failed",
			"user_id", userID, "source_id", sourceID, "chunks", len(inputs), "error", err)
		return AddOutcome{Status: AddFailed, SourceID: sourceID, Err: err}
	}

	s.logger.Debug("feedback indexed", "user_id", userID, "source_id", sourceID, "chunks", len(inputs))
	return AddOutcome{Status: AddInserted, SourceID: sourceID, Chunks: len(inputs)}
}

// isDuplicate asks the index for the single nearest chunk and compares it
// with text. A multi-chunk document never equals one of its chunks, so the
// source hash stored on every chunk is compared too.
func (s *Service) isDuplicate(ctx context.Context, text, sha string) (bool, error) {
	qctx, cancel := s.withTimeout(ctx, s.timeout)
	defer cancel()

	top, err := s.index.Query(qctx, text, 1)
	if err != nil {
		return false, asProviderTimeout(err)
	}
	if len(top) == 0 {
		return false, nil
	}
	return top[0].Text == text || top[0].Metadata.String(MetaSourceSHA) == sha, nil
}

// SearchSimilar returns up to topK stored chunks similar to query, best
// first. Without a re-ranker, results scoring below minScore are dropped.
// With one, the re-ranked top-k is returned unfiltered. Any failure yields
// an empty slice.
func (s *Service) SearchSimilar(ctx context.Context, query string, topK int, minScore float32) []SearchResult {
	start := time.Now()
	if strings.TrimSpace(query) == "" || topK <= 0 {
		s.metrics.SearchCompleted(SearchEmpty, time.Since(start), 0)
		return []SearchResult{}
	}

	qctx, cancel := s.withTimeout(ctx, s.timeout)
	candidates, err := s.index.Query(qctx, query, topK*s.oversample)
	cancel()
	if err != nil {
		s.logger.Error("similar feedback search failed", "top_k", topK, "error", asProviderTimeout(err))
		s.metrics.SearchCompleted(SearchFailed, time.Since(start), 0)
		return []SearchResult{}
	}

	outcome := SearchOK
	results, reranked := s.rerank(ctx, query, candidates)
	if reranked {
		outcome = SearchReranked
	} else {
		results = filterMinScore(results, minScore)
	}

	results = dedupeByText(results)
	if len(results) > topK {
		results = results[:topK]
	}
	s.metrics.SearchCompleted(outcome, time.Since(start), len(results))
	return results
}

// rerank re-sorts candidates with the configured Reranker. It reports false
// when re-ranking is off or failed, in which case candidates come back as
// the index ordered them.
func (s *Service) rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, bool) {
	if s.reranker == nil || len(candidates) == 0 {
		return candidates, false
	}
	rctx, cancel := s.withTimeout(ctx, s.rerankTimeout)
	defer cancel()

	reranked, err := s.reranker.Rerank(rctx, query, candidates)
	if err != nil {
		s.logger.Warn("re-ranking failed, using index order", "candidates", len(candidates), "error", err)
		s.metrics.RerankFailed()
		return candidates, false
	}
	sort.SliceStable(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })
	return reranked, true
}

// Status reports the backend name and number of stored chunks.
func (s *Service) Status(ctx context.Context) (backend string, chunks int, err error) {
	chunks, err = s.index.Count(ctx)
	return s.index.Backend(), chunks, err
}

func (s *Service) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func filterMinScore(results []SearchResult, minScore float32) []SearchResult {
	out := results[:0:0]
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}

// dedupeByText keeps the first, best scored, occurrence of each text.
func dedupeByText(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		out = append(out, r)
	}
	return out
}

// asProviderTimeout classifies a deadline hit anywhere in the call as an
// embedding provider failure.
func asProviderTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrEmbeddingProvider) {
		return fmt.Errorf("%w: %w", ErrEmbeddingProvider, err)
	}
	return err
}

func textSHA(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
