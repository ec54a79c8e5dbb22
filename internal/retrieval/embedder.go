package retrieval

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Embedder turns texts into fixed-dimension vectors, one per input text and
// in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BatchEmbedder splits large inputs into provider-sized batches and sends
// up to concurrency of them at once. Output order matches input order.
type BatchEmbedder struct {
	next        Embedder
	batchSize   int
	concurrency int
}

// NewBatchEmbedder wraps next. batchSize <= 0 defaults to 32 and
// concurrency <= 0 to 4.
func NewBatchEmbedder(next Embedder, batchSize, concurrency int) *BatchEmbedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchEmbedder{next: next, batchSize: batchSize, concurrency: concurrency}
}

// Embed returns one vector per text. Returns nil (not error) for empty/nil
// input.
func (e *BatchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.next.Embed(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), end-start)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// defaultFlightTimeout bounds a shared provider call when no timeout is
// configured.
const defaultFlightTimeout = 30 * time.Second

// CachingEmbedder memoizes embeddings by exact text. Concurrent lookups of
// the same single text share one provider call. The shared call is detached
// from any one caller's cancellation and bounded by its own timeout instead.
type CachingEmbedder struct {
	next    Embedder
	cache   *lru.Cache[string, []float32]
	group   singleflight.Group
	timeout time.Duration
}

// NewCachingEmbedder caches up to size vectors in front of next. timeout
// bounds a shared provider call; <= 0 defaults to 30s.
func NewCachingEmbedder(next Embedder, size int, timeout time.Duration) (*CachingEmbedder, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultFlightTimeout
	}
	return &CachingEmbedder{next: next, cache: cache, timeout: timeout}, nil
}

// Embed implements Embedder.
func (c *CachingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		vec, err := c.one(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.cache.Get(t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache.Add(missing[j], vec)
	}
	return out, nil
}

func (c *CachingEmbedder) one(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	ch := c.group.DoChan(text, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		vecs, err := c.next.Embed(fctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("provider returned %d vectors for 1 text", len(vecs))
		}
		c.cache.Add(text, vecs[0])
		return vecs[0], nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// Len reports the number of cached vectors.
func (c *CachingEmbedder) Len() int { return c.cache.Len() }

// RateLimitedEmbedder waits on a token bucket before every provider call.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perSecond calls per second to next.
func NewRateLimitedEmbedder(next Embedder, perSecond float64) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Embed implements Embedder.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding rate limit: %w", err)
	}
	return r.next.Embed(ctx, texts)
}
