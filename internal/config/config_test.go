package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: azure
  max_tokens: 8192
  temperature: 0.3
  azure:
    endpoint: https://my-resource.openai.azure.com
    deployment: gpt-4o
    api_version: "2025-04-01-preview"
embedding:
  provider: ollama
  model: nomic-embed-text
qdrant:
  host: qdrant.internal
  port: 6334
  collection: knowledge-base
query:
  relevance_threshold: 0.75
  max_context_tokens: 6000
  result_limit: 20
  tokenizer_model: gpt-4o
ingestion:
  chunk_size: 1500
  chunk_overlap: 300
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Clear env vars that the YAML should set.
	envKeys := []string{
		"MODEL_PROVIDER", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE",
		"AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL",
		"QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION",
		"QUERY_RELEVANCE_THRESHOLD", "QUERY_MAX_CONTEXT_TOKENS",
		"QUERY_RESULT_LIMIT", "QUERY_TOKENIZER_MODEL",
		"INGEST_CHUNK_SIZE", "INGEST_CHUNK_OVERLAP",
		"LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	log := slog.Default()
	loaded, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":            "azure",
		"MODEL_MAX_TOKENS":          "8192",
		"AZURE_OPENAI_ENDPOINT":     "https://my-resource.openai.azure.com",
		"AZURE_OPENAI_DEPLOYMENT":   "gpt-4o",
		"AZURE_OPENAI_API_VERSION":  "2025-04-01-preview",
		"EMBEDDING_PROVIDER":        "ollama",
		"EMBEDDING_MODEL":           "nomic-embed-text",
		"QDRANT_HOST":               "qdrant.internal",
		"QDRANT_PORT":               "6334",
		"QDRANT_COLLECTION":         "knowledge-base",
		"QUERY_RELEVANCE_THRESHOLD": "0.75",
		"QUERY_MAX_CONTEXT_TOKENS":  "6000",
		"QUERY_RESULT_LIMIT":        "20",
		"QUERY_TOKENIZER_MODEL":     "gpt-4o",
		"INGEST_CHUNK_SIZE":         "1500",
		"INGEST_CHUNK_OVERLAP":      "300",
		"LOG_LEVEL":                 "debug",
		"LOG_FORMAT":                "text",
	}
	for k, want := range checks {
		got := os.Getenv(k)
		if got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: ollama
`)
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env var BEFORE loading — it should NOT be overwritten.
	t.Setenv("MODEL_PROVIDER", "azure")

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := os.Getenv("MODEL_PROVIDER"); got != "azure" {
		t.Errorf("MODEL_PROVIDER: expected env override %q, got %q", "azure", got)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("model: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}

	log := slog.Default()
	if _, err := Load(cfgPath, log); err == nil {
		t.Errorf("expected parse error for malformed YAML")
	}
}
