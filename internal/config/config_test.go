package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(data map[string]any) *memBackend {
	if data == nil {
		data = map[string]any{}
	}
	return &memBackend{data: data}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error          { delete(m.data, key); return nil }

// clearEnv blanks the API key variables so the host environment does not
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SOULSTAY_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOULSTAY_OPENAI_API_KEY", "test-key")

	cfg, err := loadWith(newMemBackend(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Embedding.Provider != ProviderOpenAI {
		t.Errorf("Embedding.Provider = %q, want openai", cfg.Embedding.Provider)
	}
	if cfg.Index.Backend != BackendSQLite {
		t.Errorf("Index.Backend = %q, want sqlite", cfg.Index.Backend)
	}
	if cfg.Chunker.MaxLength != 500 || cfg.Chunker.Overlap != 50 {
		t.Errorf("Chunker = %+v, want 500/50", cfg.Chunker)
	}
	if cfg.Retrieval.TopK != 3 || cfg.Retrieval.Oversample != 4 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Retrieval.TimeoutDuration() != 10*time.Second {
		t.Errorf("Retrieval timeout = %v, want 10s", cfg.Retrieval.TimeoutDuration())
	}
	if cfg.Reranking.Mode != "none" {
		t.Errorf("Reranking.Mode = %q, want none", cfg.Reranking.Mode)
	}
	if !cfg.Sentiment.Enabled {
		t.Error("Sentiment.Enabled = false, want true")
	}
	if !cfg.Summary.Enabled || cfg.Summary.Hour != 0 {
		t.Errorf("Summary = %+v, want enabled at hour 0", cfg.Summary)
	}
	if cfg.OpenAI.MaxRetries != 2 || cfg.OpenAI.BaseURL != "" || cfg.Embedding.Dimensions != 0 {
		t.Errorf("OpenAI = %+v, Embedding.Dimensions = %d", cfg.OpenAI, cfg.Embedding.Dimensions)
	}
	if cfg.ImportDir() != filepath.Join(cfg.Storage.DataDir, "import") {
		t.Errorf("ImportDir() = %q", cfg.ImportDir())
	}
}

// TestBackendValues verifies that all kinds of keys are read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemBackend(map[string]any{
		"server.port":         9100,
		"embedding.provider":  "ollama",
		"ollama.base_url":     "http://gpu:11434",
		"index.backend":       "qdrant",
		"qdrant.port":         6400,
		"retrieval.min_score": "0.35",
		"sentiment.enabled":   "false",
		"reranking.mode":      "llm",
	})

	cfg, err := loadWith(b, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://gpu:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Index.Backend != BackendQdrant || cfg.Qdrant.Port != 6400 {
		t.Errorf("Index/Qdrant = %q/%d", cfg.Index.Backend, cfg.Qdrant.Port)
	}
	if cfg.Retrieval.MinScore != 0.35 {
		t.Errorf("Retrieval.MinScore = %v", cfg.Retrieval.MinScore)
	}
	if cfg.Sentiment.Enabled {
		t.Error("Sentiment.Enabled = true, want false")
	}
	if cfg.Reranking.Mode != "llm" {
		t.Errorf("Reranking.Mode = %q", cfg.Reranking.Mode)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOULSTAY_OPENAI_API_KEY", "env-key")
	t.Setenv("SOULSTAY_RETRIEVAL_TOP_K", "5")
	t.Setenv("SOULSTAY_EMBEDDING_RATE_LIMIT", "2.5")
	t.Setenv("SOULSTAY_SENTIMENT_ENABLED", "false")

	b := newMemBackend(map[string]any{"retrieval.top_k": 9})
	cfg, err := loadWith(b, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OpenAI.APIKey != "env-key" {
		t.Errorf("OpenAI.APIKey = %q, want env-key", cfg.OpenAI.APIKey)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Embedding.RateLimit != 2.5 {
		t.Errorf("Embedding.RateLimit = %v, want 2.5", cfg.Embedding.RateLimit)
	}
	if cfg.Sentiment.Enabled {
		t.Error("Sentiment.Enabled = true, want false")
	}
}

// TestEnvOverride_BadValueKeepsDefault verifies unparseable env values are ignored.
func TestEnvOverride_BadValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOULSTAY_OPENAI_API_KEY", "k")
	t.Setenv("SOULSTAY_RETRIEVAL_TOP_K", "many")

	cfg, err := loadWith(newMemBackend(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want default 3", cfg.Retrieval.TopK)
	}
}

// TestAPIKeyAlias verifies OPENAI_API_KEY is honoured and loses to the prefixed name.
func TestAPIKeyAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "alias-key")

	cfg, err := loadWith(newMemBackend(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "alias-key" {
		t.Errorf("OpenAI.APIKey = %q, want alias-key", cfg.OpenAI.APIKey)
	}

	t.Setenv("SOULSTAY_OPENAI_API_KEY", "primary-key")
	cfg, err = loadWith(newMemBackend(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "primary-key" {
		t.Errorf("OpenAI.APIKey = %q, want primary-key", cfg.OpenAI.APIKey)
	}
}

// TestSecretsIgnoredInBackend verifies secrets are never read from the config file.
func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	b := newMemBackend(map[string]any{"openai.api_key": "file-key"})

	if _, err := loadWith(b, ""); err == nil {
		t.Fatal("expected missing key error, secret was read from backend")
	}
}

// TestDotEnv verifies variables from a .env file are applied.
func TestDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("OPENAI_API_KEY")
	t.Setenv("SOULSTAY_CHUNKER_STRATEGY", "")
	os.Unsetenv("SOULSTAY_CHUNKER_STRATEGY")

	path := filepath.Join(t.TempDir(), ".env")
	content := "OPENAI_API_KEY=dotenv-key\nSOULSTAY_CHUNKER_STRATEGY=recursive\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newMemBackend(nil), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "dotenv-key" {
		t.Errorf("OpenAI.APIKey = %q, want dotenv-key", cfg.OpenAI.APIKey)
	}
	if cfg.Chunker.Strategy != "recursive" {
		t.Errorf("Chunker.Strategy = %q, want recursive", cfg.Chunker.Strategy)
	}

	// A missing .env file is not an error.
	if _, err := loadWith(newMemBackend(nil), filepath.Join(t.TempDir(), "none.env")); err != nil {
		t.Errorf("missing env file: %v", err)
	}
}

// TestValidation verifies a clear error for each invalid setting.
func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		env  string
		want string
	}{
		{"missing api key", nil, "", "missing required config"},
		{"unknown provider", map[string]any{"embedding.provider": "cohere"}, "k", "embedding.provider"},
		{"unknown backend", map[string]any{"index.backend": "faiss"}, "k", "index.backend"},
		{"unknown strategy", map[string]any{"chunker.strategy": "token"}, "k", "chunker.strategy"},
		{"unknown rerank mode", map[string]any{"reranking.mode": "cross"}, "k", "reranking.mode"},
		{"bad timeout", map[string]any{"retrieval.timeout": "soon"}, "k", "retrieval.timeout"},
		{"embedding rerank without model", map[string]any{"reranking.mode": "embedding"}, "k", "reranking.model"},
		{"embedding rerank with index model", map[string]any{
			"reranking.mode": "embedding", "reranking.model": "text-embedding-3-small",
		}, "k", "would repeat the index scores"},
		{"ollama rerank with index model", map[string]any{
			"embedding.provider": "ollama", "reranking.mode": "embedding", "reranking.model": "nomic-embed-text",
		}, "", "would repeat the index scores"},
		{"negative dimensions", map[string]any{"embedding.dimensions": -1}, "k", "embedding.dimensions"},
		{"negative retries", map[string]any{"openai.max_retries": -1}, "k", "openai.max_retries"},
		{"summary hour", map[string]any{"summary.hour": 24}, "k", "summary.hour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("SOULSTAY_OPENAI_API_KEY", tt.env)

			_, err := loadWith(newMemBackend(tt.data), "")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestEmbeddingRerankSecondModel(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOULSTAY_OPENAI_API_KEY", "k")
	cfg, err := loadWith(newMemBackend(map[string]any{
		"reranking.mode":  "embedding",
		"reranking.model": "text-embedding-3-large",
	}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Reranking.Model == cfg.IndexEmbedModel() {
		t.Errorf("rerank model %q equals index model", cfg.Reranking.Model)
	}
}

// TestOllamaNeedsNoKey verifies the local provider loads without an API key.
func TestOllamaNeedsNoKey(t *testing.T) {
	clearEnv(t)
	if _, err := loadWith(newMemBackend(map[string]any{"embedding.provider": "ollama"}), ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soulstay", "config.json")
	b := newFileBackend(path)

	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("index.backend", "chroma"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	if port, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || port != 9000 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	if v, ok, _ := reloaded.GetString("index.backend"); !ok || v != "chroma" {
		t.Errorf("GetString = %q, %v", v, ok)
	}

	if err := reloaded.Delete("index.backend"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetString("index.backend"); ok {
		t.Error("key still present after Delete")
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKeyWith(b, "retrieval.top_k", "5"); err != nil {
		t.Fatalf("setKeyWith int: %v", err)
	}
	if b.data["retrieval.top_k"] != 5 {
		t.Errorf("stored %v", b.data["retrieval.top_k"])
	}
	if err := setKeyWith(b, "retrieval.min_score", "0.4"); err != nil {
		t.Fatalf("setKeyWith float: %v", err)
	}
	if err := setKeyWith(b, "sentiment.enabled", "false"); err != nil {
		t.Fatalf("setKeyWith bool: %v", err)
	}

	for _, tc := range []struct{ key, value string }{
		{"retrieval.top_k", "lots"},
		{"retrieval.min_score", "high"},
		{"sentiment.enabled", "maybe"},
		{"openai.api_key", "sk-123"},
		{"no.such.key", "x"},
	} {
		if err := setKeyWith(b, tc.key, tc.value); err == nil {
			t.Errorf("setKeyWith(%q, %q) = nil, want error", tc.key, tc.value)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenAI.APIKey = "sk-secret"
	cfg.Server.Token = "tok"

	for _, k := range ShowAll(cfg) {
		if k.Key == "openai.api_key" || k.Key == "server.token" {
			t.Errorf("ShowAll exposed secret %s", k.Key)
		}
	}
	for _, k := range ValidKeys() {
		if k == "openai.api_key" {
			t.Error("ValidKeys lists a secret")
		}
	}
}
