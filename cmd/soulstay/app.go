package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/soulstay/feedbackrag/internal/chunker"
	"github.com/soulstay/feedbackrag/internal/composer"
	"github.com/soulstay/feedbackrag/internal/config"
	"github.com/soulstay/feedbackrag/internal/feedback"
	"github.com/soulstay/feedbackrag/internal/importer"
	"github.com/soulstay/feedbackrag/internal/observability"
	"github.com/soulstay/feedbackrag/internal/ollama"
	"github.com/soulstay/feedbackrag/internal/openai"
	"github.com/soulstay/feedbackrag/internal/reranking"
	"github.com/soulstay/feedbackrag/internal/retrieval"
	"github.com/soulstay/feedbackrag/internal/sentiment"
	"github.com/soulstay/feedbackrag/internal/storage"
	"github.com/soulstay/feedbackrag/internal/summary"
	"github.com/soulstay/feedbackrag/internal/vectorstore/chroma"
	"github.com/soulstay/feedbackrag/internal/vectorstore/qdrant"
)

// completer is satisfied by both provider clients.
type completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// app holds the wired components shared by the serve, import and watch
// commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	vectors  retrieval.VectorStore
	service  *retrieval.Service
	intake   *feedback.Intake
	importer *importer.Importer
	composer *composer.Composer
	summary  *summary.Summarizer
	metrics  *observability.Metrics

	closers []io.Closer
}

// appOptions tweak buildApp for commands that do not talk to a provider at
// startup.
type appOptions struct {
	// skipReadiness disables the Ollama model check and pull.
	skipReadiness bool
	progress      io.Writer
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
}

func buildApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	if opts.progress == nil {
		opts.progress = os.Stderr
	}
	a := &app{cfg: cfg, logger: slog.Default()}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	prov, err := buildProviders(ctx, cfg, opts)
	if err != nil {
		a.Close()
		return nil, err
	}

	vectors, err := buildVectorStore(ctx, cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.vectors = vectors
	if c, ok := vectors.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	reranker, err := reranking.New(cfg.Reranking.Mode, prov.rerankEmbedder, prov.llm)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = observability.NewMetrics()
	index := retrieval.NewIndex(prov.embedder, vectors)
	a.service = retrieval.NewService(index, retrieval.ServiceConfig{
		Splitter:      chunker.New(cfg.Chunker.Strategy, cfg.Chunker.MaxLength, cfg.Chunker.Overlap),
		Reranker:      reranker,
		Oversample:    cfg.Retrieval.Oversample,
		Timeout:       cfg.Retrieval.TimeoutDuration(),
		RerankTimeout: cfg.Reranking.TimeoutDuration(),
		Metrics:       a.metrics,
		Logger:        a.logger,
	})

	var classifier feedback.Classifier
	if cfg.Sentiment.Enabled {
		classifier = sentiment.NewClassifier(prov.llm, a.logger)
	}
	a.intake = feedback.NewIntake(store, a.service, classifier, a.logger)
	a.importer = importer.New(a.service, index, a.logger)
	a.composer = composer.New(0)
	a.summary = summary.NewSummarizer(a.store, a.logger)

	return a, nil
}

// ollamaBatchSize is the number of texts sent per /api/embed request.
const ollamaBatchSize = 32

// providers holds the clients built from the configured provider.
type providers struct {
	embedder retrieval.Embedder
	// rerankEmbedder is the second embedding model; nil unless
	// reranking.mode is embedding.
	rerankEmbedder retrieval.Embedder
	llm            completer
}

// buildProviders returns the index embedder, the re-ranking embedder and the
// completion client for the configured provider. Query embeddings are cached
// and provider calls are rate limited when configured.
func buildProviders(ctx context.Context, cfg config.Config, opts appOptions) (providers, error) {
	var p providers
	rerankByEmbedding := cfg.Reranking.Mode == reranking.ModeEmbedding

	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		client := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
		if !opts.skipReadiness {
			var extra []string
			if rerankByEmbedding {
				extra = append(extra, cfg.Reranking.Model)
			}
			if err := ollama.EnsureReady(ctx, client, opts.progress, extra...); err != nil {
				return providers{}, err
			}
		}
		p.embedder = retrieval.NewBatchEmbedder(client.Embedder(""), ollamaBatchSize, 2)
		if rerankByEmbedding {
			p.rerankEmbedder = client.Embedder(cfg.Reranking.Model)
		}
		p.llm = client
	default:
		common := []openai.ClientOption{
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithMaxRetries(cfg.OpenAI.MaxRetries),
		}
		client := openai.NewClient(cfg.OpenAI.APIKey, append(common,
			openai.WithEmbeddingModel(cfg.Embedding.Model),
			openai.WithDimensions(cfg.Embedding.Dimensions),
			openai.WithChatModel(cfg.OpenAI.ChatModel),
		)...)
		p.embedder = client
		if rerankByEmbedding {
			p.rerankEmbedder = openai.NewClient(cfg.OpenAI.APIKey, append(common,
				openai.WithEmbeddingModel(cfg.Reranking.Model),
			)...)
		}
		p.llm = client
	}

	if cfg.Embedding.RateLimit > 0 {
		p.embedder = retrieval.NewRateLimitedEmbedder(p.embedder, cfg.Embedding.RateLimit)
		if p.rerankEmbedder != nil {
			p.rerankEmbedder = retrieval.NewRateLimitedEmbedder(p.rerankEmbedder, cfg.Embedding.RateLimit)
		}
	}
	if cfg.Embedding.CacheSize > 0 {
		cached, err := retrieval.NewCachingEmbedder(p.embedder, cfg.Embedding.CacheSize, cfg.Retrieval.TimeoutDuration())
		if err != nil {
			return providers{}, fmt.Errorf("creating embedding cache: %w", err)
		}
		p.embedder = cached
	}
	return p, nil
}

func buildVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (retrieval.VectorStore, error) {
	switch cfg.Index.Backend {
	case config.BackendChroma:
		s, err := chroma.Open(ctx, cfg.Chroma.URL, cfg.Chroma.Collection)
		if err != nil {
			return nil, fmt.Errorf("connecting to chroma: %w", err)
		}
		return s, nil
	case config.BackendQdrant:
		s, err := qdrant.Open(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		return s, nil
	default:
		return retrieval.NewSQLiteStore(store.DB()), nil
	}
}

// Close releases the vector store connection and the database, in reverse
// order of opening.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// migrateIndex copies every chunk of src into dst in batches, keeping the
// stored embeddings so no provider call is needed.
func migrateIndex(ctx context.Context, src *retrieval.SQLiteStore, dst retrieval.VectorStore, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	records, err := src.ExportAll(ctx)
	if err != nil {
		return 0, err
	}
	copied := 0
	for start := 0; start < len(records); start += batch {
		end := min(start+batch, len(records))
		if err := dst.Insert(ctx, records[start:end]); err != nil {
			return copied, fmt.Errorf("inserting into %s: %w", dst.Name(), err)
		}
		copied = end
	}
	return copied, nil
}
