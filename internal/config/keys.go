package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	alias   string // secondary env var, lower precedence than env
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SOULSTAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SOULSTAY_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "SOULSTAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SOULSTAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.provider", typ: kString, env: "SOULSTAY_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "SOULSTAY_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.rate_limit", typ: kFloat, env: "SOULSTAY_EMBEDDING_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embedding.RateLimit },
	},
	{
		key: "embedding.cache_size", typ: kInt, env: "SOULSTAY_EMBEDDING_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.CacheSize },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "SOULSTAY_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "openai.api_key", typ: kString, env: "SOULSTAY_OPENAI_API_KEY",
		alias: "OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "SOULSTAY_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "SOULSTAY_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.max_retries", typ: kInt, env: "SOULSTAY_OPENAI_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.MaxRetries },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SOULSTAY_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "SOULSTAY_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SOULSTAY_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "index.backend", typ: kString, env: "SOULSTAY_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "chroma.url", typ: kString, env: "SOULSTAY_CHROMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Chroma.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Chroma.URL },
	},
	{
		key: "chroma.collection", typ: kString, env: "SOULSTAY_CHROMA_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Chroma.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Chroma.Collection },
	},
	{
		key: "qdrant.host", typ: kString, env: "SOULSTAY_QDRANT_HOST",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Host },
	},
	{
		key: "qdrant.port", typ: kInt, env: "SOULSTAY_QDRANT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Qdrant.Port },
	},
	{
		key: "qdrant.collection", typ: kString, env: "SOULSTAY_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "chunker.strategy", typ: kString, env: "SOULSTAY_CHUNKER_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Chunker.Strategy },
	},
	{
		key: "chunker.max_length", typ: kInt, env: "SOULSTAY_CHUNKER_MAX_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Chunker.MaxLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.MaxLength },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "SOULSTAY_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SOULSTAY_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.oversample", typ: kInt, env: "SOULSTAY_RETRIEVAL_OVERSAMPLE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Oversample = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Oversample },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "SOULSTAY_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.timeout", typ: kString, env: "SOULSTAY_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "reranking.mode", typ: kString, env: "SOULSTAY_RERANKING_MODE",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Reranking.Mode },
	},
	{
		key: "reranking.model", typ: kString, env: "SOULSTAY_RERANKING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Reranking.Model },
	},
	{
		key: "reranking.timeout", typ: kString, env: "SOULSTAY_RERANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Reranking.Timeout },
	},
	{
		key: "sentiment.enabled", typ: kBool, env: "SOULSTAY_SENTIMENT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Sentiment.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sentiment.Enabled },
	},
	{
		key: "summary.enabled", typ: kBool, env: "SOULSTAY_SUMMARY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Summary.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Summary.Enabled },
	},
	{
		key: "summary.hour", typ: kInt, env: "SOULSTAY_SUMMARY_HOUR",
		apply:   func(cfg *Config, v any) { cfg.Summary.Hour = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.Hour },
	},
	{
		key: "import.dir", typ: kString, env: "SOULSTAY_IMPORT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Import.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Import.Dir },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" && s.alias != "" {
			raw = os.Getenv(s.alias)
		}
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
