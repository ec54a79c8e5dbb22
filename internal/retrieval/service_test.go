package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soulstay/feedbackrag/internal/chunker"
	"github.com/soulstay/feedbackrag/internal/retrieval/retrievaltest"
)

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *Index) {
	t.Helper()
	ix := NewIndex(retrievaltest.NewBigramEmbedder(), openTestStore(t))
	return NewService(ix, cfg), ix
}

func count(t *testing.T, ix *Index) int {
	t.Helper()
	n, err := ix.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

// mockReranker implements Reranker for testing.
type mockReranker struct {
	rerankFn func(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error)
}

func (m *mockReranker) Rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error) {
	return m.rerankFn(ctx, query, candidates)
}

// recordingMetrics implements Metrics for testing.
type recordingMetrics struct {
	mu       sync.Mutex
	adds     []AddStatus
	searches []string
	rerank   int
}

func (m *recordingMetrics) FeedbackAdded(s AddStatus, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds = append(m.adds, s)
}

func (m *recordingMetrics) SearchCompleted(outcome string, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, outcome)
}

func (m *recordingMetrics) RerankFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rerank++
}

func TestSearchSimilar_AnchorCase(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	for _, text := range []string{"방이 깨끗했어요", "직원이 불친절했어요", "조식이 맛있었어요"} {
		if out := svc.AddFeedback(ctx, 1, text, nil); out.Status != AddInserted {
			t.Fatalf("AddFeedback(%q) = %+v", text, out)
		}
	}

	results := svc.SearchSimilar(ctx, "직원 서비스가 나빴어요", 1, 0)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Text != "직원이 불친절했어요" {
		t.Errorf("best match = %q, want %q", results[0].Text, "직원이 불친절했어요")
	}
}

func TestSearchSimilar_EmptyIndex(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})

	results := svc.SearchSimilar(context.Background(), "anything", 3, 0)
	if results == nil {
		t.Fatal("got nil, want empty slice")
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty index", len(results))
	}
}

func TestSearchSimilar_EmptyQuery(t *testing.T) {
	metrics := &recordingMetrics{}
	svc, _ := newTestService(t, ServiceConfig{Metrics: metrics})
	ctx := context.Background()
	svc.AddFeedback(ctx, 1, "조식이 맛있었어요", nil)

	for _, q := range []string{"", "   ", "\n\t"} {
		if got := svc.SearchSimilar(ctx, q, 3, 0); got == nil || len(got) != 0 {
			t.Errorf("SearchSimilar(%q) = %#v, want empty slice", q, got)
		}
	}
	if len(metrics.searches) != 3 || metrics.searches[0] != SearchEmpty {
		t.Errorf("search outcomes = %v", metrics.searches)
	}
}

func TestSearchSimilar_TopKBoundAndOrdering(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	texts := []string{
		"객실이 넓고 깨끗했어요",
		"객실이 좁았어요",
		"수영장이 깨끗했어요",
		"주차장이 복잡했어요",
		"체크인이 빨랐어요",
		"객실 청소가 깨끗했어요",
	}
	for _, text := range texts {
		svc.AddFeedback(ctx, 2, text, nil)
	}

	for k := 0; k <= len(texts)+2; k++ {
		results := svc.SearchSimilar(ctx, "객실이 깨끗했어요", k, -1)
		if len(results) > k {
			t.Errorf("k=%d: got %d results", k, len(results))
		}
		for i := 1; i < len(results); i++ {
			if results[i].Score > results[i-1].Score {
				t.Errorf("k=%d: results[%d].Score %f > results[%d].Score %f", k, i, results[i].Score, i-1, results[i-1].Score)
			}
		}
	}
}

func TestSearchSimilar_MinScoreFilter(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	svc.AddFeedback(ctx, 1, "직원이 불친절했어요", nil)
	svc.AddFeedback(ctx, 1, "Breakfast was great", nil)

	results := svc.SearchSimilar(ctx, "직원이 불친절했어요", 5, 0.5)
	if len(results) != 1 || results[0].Text != "직원이 불친절했어요" {
		t.Errorf("results = %+v, want only the exact match", results)
	}
}

func TestSearchSimilar_DedupesIdenticalTexts(t *testing.T) {
	store := &mockVectorStore{searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
		return []ScoredRecord{
			{Record: Record{ID: "a-0", Text: "same"}, Score: 0.9},
			{Record: Record{ID: "b-0", Text: "same"}, Score: 0.8},
			{Record: Record{ID: "c-0", Text: "other"}, Score: 0.7},
		}, nil
	}}
	svc := NewService(NewIndex(lengthEmbedder(), store), ServiceConfig{})

	results := svc.SearchSimilar(context.Background(), "q", 3, 0)
	if len(results) != 2 || results[0].ID != "a-0" || results[1].ID != "c-0" {
		t.Errorf("results = %+v, want [a-0 c-0]", results)
	}
}

func TestSearchSimilar_OversamplesCandidates(t *testing.T) {
	var asked int
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, topK int) ([]ScoredRecord, error) {
		asked = topK
		return nil, nil
	}}
	svc := NewService(NewIndex(lengthEmbedder(), store), ServiceConfig{Oversample: 3})

	svc.SearchSimilar(context.Background(), "q", 2, 0)
	if asked != 6 {
		t.Errorf("index asked for %d candidates, want 6", asked)
	}
}

func TestSearchSimilar_RerankReordersAndSkipsFilter(t *testing.T) {
	store := &mockVectorStore{searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
		return []ScoredRecord{
			{Record: Record{ID: "first", Text: "first"}, Score: 0.9},
			{Record: Record{ID: "second", Text: "second"}, Score: 0.2},
			{Record: Record{ID: "third", Text: "third"}, Score: 0.1},
		}, nil
	}}
	rr := &mockReranker{rerankFn: func(_ context.Context, _ string, c []SearchResult) ([]SearchResult, error) {
		out := make([]SearchResult, len(c))
		copy(out, c)
		// Reverse preference and report low scores.
		for i := range out {
			out[i].Score = float32(i) * 0.01
		}
		return out, nil
	}}
	metrics := &recordingMetrics{}
	svc := NewService(NewIndex(lengthEmbedder(), store), ServiceConfig{Reranker: rr, Metrics: metrics})

	results := svc.SearchSimilar(context.Background(), "q", 2, 0.5)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (min_score ignored when re-ranked)", len(results))
	}
	if results[0].ID != "third" || results[1].ID != "second" {
		t.Errorf("order = [%s %s], want [third second]", results[0].ID, results[1].ID)
	}
	if metrics.searches[0] != SearchReranked {
		t.Errorf("outcome = %q, want %q", metrics.searches[0], SearchReranked)
	}
}

func TestSearchSimilar_RerankFailureFallsBack(t *testing.T) {
	store := &mockVectorStore{searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
		return []ScoredRecord{
			{Record: Record{ID: "good", Text: "good"}, Score: 0.9},
			{Record: Record{ID: "weak", Text: "weak"}, Score: 0.1},
		}, nil
	}}
	rr := &mockReranker{rerankFn: func(context.Context, string, []SearchResult) ([]SearchResult, error) {
		return nil, errors.New("model not loaded")
	}}
	metrics := &recordingMetrics{}
	svc := NewService(NewIndex(lengthEmbedder(), store), ServiceConfig{Reranker: rr, Metrics: metrics})

	results := svc.SearchSimilar(context.Background(), "q", 5, 0.5)
	if len(results) != 1 || results[0].ID != "good" {
		t.Errorf("results = %+v, want index order filtered by min_score", results)
	}
	if metrics.rerank != 1 {
		t.Errorf("rerank failures = %d, want 1", metrics.rerank)
	}
}

func TestSearchSimilar_FailOpen(t *testing.T) {
	tests := []struct {
		name  string
		emb   Embedder
		store VectorStore
	}{
		{
			name: "embedding provider down",
			emb: &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
				return nil, errors.New("connection refused")
			}},
			store: &mockVectorStore{},
		},
		{
			name: "index down",
			emb:  lengthEmbedder(),
			store: &mockVectorStore{searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
				return nil, errors.New("database is locked")
			}},
		},
		{
			name: "provider timeout",
			emb: &mockEmbedder{embedFn: func(ctx context.Context, _ []string) ([][]float32, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			store: &mockVectorStore{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			svc := NewService(NewIndex(tt.emb, tt.store), ServiceConfig{Timeout: 20 * time.Millisecond, Metrics: metrics})

			results := svc.SearchSimilar(context.Background(), "q", 3, 0)
			if results == nil || len(results) != 0 {
				t.Errorf("results = %#v, want empty slice", results)
			}
			if metrics.searches[0] != SearchFailed {
				t.Errorf("outcome = %q, want %q", metrics.searches[0], SearchFailed)
			}
		})
	}
}

func TestAddFeedback_EmptyTextLeavesCountUnchanged(t *testing.T) {
	svc, ix := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	for _, text := range []string{"", "   ", "\n"} {
		out := svc.AddFeedback(ctx, 1, text, nil)
		if out.Status != AddSkipped || !errors.Is(out.Err, ErrInvalidInput) {
			t.Errorf("AddFeedback(%q) = %+v, want skipped/ErrInvalidInput", text, out)
		}
	}
	if n := count(t, ix); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestAddFeedback_IdempotentDuplicate(t *testing.T) {
	svc, ix := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	first := svc.AddFeedback(ctx, 4, "X", nil)
	if first.Status != AddInserted {
		t.Fatalf("first add = %+v", first)
	}
	second := svc.AddFeedback(ctx, 4, "X", nil)
	if second.Status != AddDuplicate {
		t.Errorf("second add = %+v, want duplicate", second)
	}
	if n := count(t, ix); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestAddFeedback_MultiChunkDuplicate(t *testing.T) {
	svc, ix := newTestService(t, ServiceConfig{Splitter: chunker.NewSentence(30)})
	ctx := context.Background()

	text := "The room was spotless and bright. The staff at the front desk were rude. Breakfast was cold."
	first := svc.AddFeedback(ctx, 1, text, nil)
	if first.Status != AddInserted || first.Chunks < 2 {
		t.Fatalf("first add = %+v, want several chunks", first)
	}
	before := count(t, ix)

	if out := svc.AddFeedback(ctx, 1, text, nil); out.Status != AddDuplicate {
		t.Errorf("second add = %+v, want duplicate", out)
	}
	if n := count(t, ix); n != before {
		t.Errorf("count = %d, want %d", n, before)
	}
}

func TestAddFeedback_NearDuplicateIsInserted(t *testing.T) {
	svc, ix := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	svc.AddFeedback(ctx, 1, "직원이 불친절했어요", nil)
	if out := svc.AddFeedback(ctx, 1, "직원이 불친절했어요!", nil); out.Status != AddInserted {
		t.Errorf("paraphrase add = %+v, want inserted", out)
	}
	if n := count(t, ix); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestAddFeedback_ChunkMetadata(t *testing.T) {
	svc, ix := newTestService(t, ServiceConfig{Splitter: chunker.NewSentence(20)})
	ctx := context.Background()

	out := svc.AddFeedback(ctx, 42, "Great pool. Noisy corridor at night.", Metadata{MetaEmotion: "neutral"})
	if out.Status != AddInserted || out.Chunks != 2 {
		t.Fatalf("AddFeedback = %+v", out)
	}

	results, err := ix.Query(ctx, "Noisy corridor at night.", 1)
	if err != nil || len(results) != 1 {
		t.Fatalf("Query = %v, %v", results, err)
	}
	r := results[0]
	if r.ID != out.SourceID+"-1" {
		t.Errorf("ID = %q, want %q", r.ID, out.SourceID+"-1")
	}
	if uid, _ := r.Metadata.Int(MetaUserID); uid != 42 {
		t.Errorf("user_id = %v", r.Metadata[MetaUserID])
	}
	if idx, _ := r.Metadata.Int(MetaChunkIndex); idx != 1 {
		t.Errorf("chunk_index = %v", r.Metadata[MetaChunkIndex])
	}
	if r.Metadata.String(MetaSourceID) != out.SourceID {
		t.Errorf("source_id = %v", r.Metadata[MetaSourceID])
	}
	if r.Metadata.String(MetaEmotion) != "neutral" {
		t.Errorf("emotion = %v", r.Metadata[MetaEmotion])
	}
	if len(r.Metadata.String(MetaSourceSHA)) != 64 {
		t.Errorf("source_sha = %v", r.Metadata[MetaSourceSHA])
	}
}

func TestAddFeedback_FailOpen(t *testing.T) {
	metrics := &recordingMetrics{}
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("429 too many requests")
	}}
	svc := NewService(NewIndex(emb, &mockVectorStore{}), ServiceConfig{Metrics: metrics})

	out := svc.AddFeedback(context.Background(), 1, "조식이 맛있었어요", nil)
	if out.Status != AddFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if !errors.Is(out.Err, ErrEmbeddingProvider) {
		t.Errorf("err = %v, want ErrEmbeddingProvider", out.Err)
	}
	if len(metrics.adds) != 1 || metrics.adds[0] != AddFailed {
		t.Errorf("metrics adds = %v", metrics.adds)
	}
}

func TestAddFeedback_InsertFailureIsReported(t *testing.T) {
	store := &mockVectorStore{insertFn: func(context.Context, []Record) error {
		return errors.New("read-only file system")
	}}
	svc := NewService(NewIndex(lengthEmbedder(), store), ServiceConfig{})

	out := svc.AddFeedback(context.Background(), 1, "Lovely view.", nil)
	if out.Status != AddFailed || !errors.Is(out.Err, ErrIndex) {
		t.Errorf("AddFeedback = %+v, want failed/ErrIndex", out)
	}
	if out.SourceID == "" {
		t.Error("SourceID should identify the batch that failed")
	}
}

func TestAddFeedback_TimeoutIsProviderError(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc := NewService(NewIndex(emb, &mockVectorStore{}), ServiceConfig{Timeout: 10 * time.Millisecond})

	out := svc.AddFeedback(context.Background(), 1, "slow", nil)
	if !errors.Is(out.Err, ErrEmbeddingProvider) || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want ErrEmbeddingProvider wrapping DeadlineExceeded", out.Err)
	}
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	svc.AddFeedback(ctx, 1, strings.Repeat("Clean. ", 3), nil)

	backend, n, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if backend != "sqlite" || n != 1 {
		t.Errorf("Status = %q, %d; want sqlite, 1", backend, n)
	}
}
