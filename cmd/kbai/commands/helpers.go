package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/query"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/store"
)

// buildIndex connects to Qdrant using the QDRANT_* environment variables and
// returns a ready VectorIndex sized for the configured embedding backend.
func buildIndex(ctx context.Context, log *slog.Logger) (*rag.QdrantIndex, error) {
	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "kbai-docs")

	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	vectorSize := uint64(embedder.DefaultDimensions(embBackend)) //nolint:gosec // dimensions are bounded

	index, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	log.Info("qdrant index ready",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return index, nil
}

// buildQueryHandler wires the retrieval pipeline: embedder, searcher, and
// context builder. The returned close function releases the Qdrant client.
func buildQueryHandler(ctx context.Context, log *slog.Logger) (*query.Handler, *rag.QdrantIndex, func(), error) {
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	index, err := buildIndex(ctx, log)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() { _ = index.Close() }

	searcher, err := rag.NewSearcher(index)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}

	builder, err := assembler.New(getEnvOrDefault("QUERY_TOKENIZER_MODEL", "gpt-3.5-turbo"))
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("failed to initialise context builder: %w", err)
	}

	h, err := query.NewHandler(emb, searcher, builder)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return h, index, closeFn, nil
}

// openDocStore opens the SQLite document registry. KBAI_METADATA_DB overrides
// the default path (~/.kbai/metadata.db); "disabled" turns the registry off
// and the pipeline runs without document tracking.
func openDocStore(log *slog.Logger) (*store.SQLiteStore, func()) {
	dbPath := os.Getenv("KBAI_METADATA_DB")
	if dbPath == "disabled" {
		log.Info("metadata store disabled via KBAI_METADATA_DB=disabled")
		return nil, func() {}
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("could not resolve default metadata DB path, disabling", slog.Any("error", err))
			return nil, func() {}
		}
	}

	s, err := store.Open(dbPath)
	if err != nil {
		log.Warn("failed to open metadata store, disabling", slog.Any("error", err))
		return nil, func() {}
	}
	log.Info("metadata store opened", slog.String("path", dbPath))
	return s, func() { _ = s.Close() }
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat returns the float value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
