package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	OpenAI    OpenAIConfig
	Ollama    OllamaConfig
	Index     IndexConfig
	Chroma    ChromaConfig
	Qdrant    QdrantConfig
	Chunker   ChunkerConfig
	Retrieval RetrievalConfig
	Reranking RerankingConfig
	Sentiment SentimentConfig
	Summary   SummaryConfig
	Import    ImportConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// EmbeddingConfig selects the provider used for embeddings and for chat
// completions (sentiment tagging, LLM re-ranking).
type EmbeddingConfig struct {
	Provider  string
	Model     string
	RateLimit  float64 // requests per second, 0 disables limiting
	CacheSize  int     // cached query embeddings, 0 disables the cache
	Dimensions int     // requested vector size (OpenAI only), 0 keeps the model's own
}

type OpenAIConfig struct {
	APIKey     string
	ChatModel  string
	BaseURL    string // empty uses api.openai.com
	MaxRetries int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type IndexConfig struct {
	Backend string
}

type ChromaConfig struct {
	URL        string
	Collection string
}

type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

type ChunkerConfig struct {
	Strategy  string
	MaxLength int
	Overlap   int
}

type RetrievalConfig struct {
	TopK       int
	Oversample int
	MinScore   float64
	Timeout    string
}

// RerankingConfig selects the second similarity function. Model is the
// embedding model used in "embedding" mode; it must differ from the model
// the index was built with.
type RerankingConfig struct {
	Mode    string
	Model   string
	Timeout string
}

type SentimentConfig struct {
	Enabled bool
}

// SummaryConfig schedules the daily sentiment summary. Hour is in UTC.
type SummaryConfig struct {
	Enabled bool
	Hour    int
}

type ImportConfig struct {
	Dir string
}

// Supported values of the enumerated keys.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendSQLite = "sqlite"
	BackendChroma = "chroma"
	BackendQdrant = "qdrant"
)

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Embedding: EmbeddingConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			CacheSize: 512,
		},
		OpenAI: OpenAIConfig{
			ChatModel:  "gpt-4o-mini",
			MaxRetries: 2,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Index: IndexConfig{
			Backend: BackendSQLite,
		},
		Chroma: ChromaConfig{
			URL:        "http://localhost:8001", // Chroma's own default, 8000, is taken by the API
			Collection: "feedback_collection",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "feedback_collection",
		},
		Chunker: ChunkerConfig{
			Strategy:  "sentence",
			MaxLength: 500,
			Overlap:   50,
		},
		Retrieval: RetrievalConfig{
			TopK:       3,
			Oversample: 4,
			Timeout:    "10s",
		},
		Reranking: RerankingConfig{
			Mode:    "none",
			Timeout: "5s",
		},
		Sentiment: SentimentConfig{
			Enabled: true,
		},
		Summary: SummaryConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file backend, a .env file in the
// working directory, and environment variables, in increasing precedence.
//
// The file lives at $XDG_CONFIG_HOME/soulstay/config.json. Environment
// variables (SOULSTAY_*) override file values; OPENAI_API_KEY is accepted
// as an alias for SOULSTAY_OPENAI_API_KEY.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not read env file", "path", envFile, "error", err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Embedding.Provider {
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return errors.New("missing required config: OpenAI API key. " +
				"Set it via environment variable SOULSTAY_OPENAI_API_KEY or OPENAI_API_KEY")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown embedding.provider %q (want %s or %s)", cfg.Embedding.Provider, ProviderOpenAI, ProviderOllama)
	}

	switch cfg.Index.Backend {
	case BackendSQLite, BackendChroma, BackendQdrant:
	default:
		return fmt.Errorf("unknown index.backend %q (want sqlite, chroma or qdrant)", cfg.Index.Backend)
	}

	switch cfg.Chunker.Strategy {
	case "sentence", "recursive":
	default:
		return fmt.Errorf("unknown chunker.strategy %q (want sentence or recursive)", cfg.Chunker.Strategy)
	}

	switch cfg.Reranking.Mode {
	case "none", "llm":
	case "embedding":
		if cfg.Reranking.Model == "" {
			return errors.New("reranking.mode embedding needs reranking.model, a second embedding model")
		}
		if cfg.Reranking.Model == cfg.IndexEmbedModel() {
			return fmt.Errorf("reranking.model %q is the index embedding model; re-ranking with it would repeat the index scores", cfg.Reranking.Model)
		}
	default:
		return fmt.Errorf("unknown reranking.mode %q (want none, embedding or llm)", cfg.Reranking.Mode)
	}

	if cfg.Embedding.Dimensions < 0 {
		return fmt.Errorf("invalid embedding.dimensions %d", cfg.Embedding.Dimensions)
	}
	if cfg.OpenAI.MaxRetries < 0 {
		return fmt.Errorf("invalid openai.max_retries %d", cfg.OpenAI.MaxRetries)
	}
	if cfg.Summary.Hour < 0 || cfg.Summary.Hour > 23 {
		return fmt.Errorf("invalid summary.hour %d (want 0-23)", cfg.Summary.Hour)
	}

	for key, v := range map[string]string{
		"retrieval.timeout": cfg.Retrieval.Timeout,
		"reranking.timeout": cfg.Reranking.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}
	return nil
}

// TimeoutDuration parses Timeout. Invalid values were rejected by Load.
func (c RetrievalConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// TimeoutDuration parses Timeout. Invalid values were rejected by Load.
func (c RerankingConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IndexEmbedModel returns the embedding model of the configured provider.
func (cfg Config) IndexEmbedModel() string {
	if cfg.Embedding.Provider == ProviderOllama {
		return cfg.Ollama.EmbedModel
	}
	return cfg.Embedding.Model
}

// ImportDir returns Import.Dir, defaulting to <data_dir>/import.
func (cfg Config) ImportDir() string {
	if cfg.Import.Dir != "" {
		return cfg.Import.Dir
	}
	return filepath.Join(cfg.Storage.DataDir, "import")
}
