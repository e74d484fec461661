package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/generation"
	"github.com/54b3r/kbai-go/internal/ingestion"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/server"
	"github.com/54b3r/kbai-go/internal/store"
	"github.com/54b3r/kbai-go/internal/tracing"
)

// NewServeCmd constructs the `kbai serve` command, which starts the HTTP
// server exposing the query pipeline as a REST/SSE API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbai HTTP server",
		Long: `Start the kbai HTTP server on localhost.

The server exposes the retrieval pipeline (POST /api/query, POST /api/select),
streamed answer generation (POST /api/chat), the document registry
(GET /api/documents), and operational endpoints (/api/health, /api/ready,
/metrics).

Examples:
  kbai serve
  kbai serve --port 9090
  MODEL_PROVIDER=openai kbai serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Langfuse tracing — opt-in, no-op if keys are absent.
			if handler, flush, ok := tracing.Setup(); ok {
				tracing.Register(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("serve: failed to initialise embedder: %w", err)
			}

			handler, index, closeFn, err := buildQueryHandler(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeFn()

			// Generation is optional: without a usable chat model the server
			// still answers /api/query, and /api/chat returns 503.
			var gen *generation.Generator
			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				log.Warn("model provider unavailable, /api/chat disabled", slog.Any("error", err))
			} else {
				gen, err = generation.New(chatModel)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				log.Info("generation backend initialised", slog.String("provider", getEnvOrDefault("MODEL_PROVIDER", "ollama")))
			}

			docs, closeDocs := openDocStore(log)
			defer closeDocs()

			backend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))

			// docStore stays a nil interface when the registry is disabled so
			// the server's nil checks behave.
			var docStore store.DocumentStore
			var remover server.DocumentRemover
			pingers := []server.Pinger{
				server.NewQdrantPinger(index.Client()),
				server.NewEmbedderPinger(emb, backend),
			}
			if docs != nil {
				docStore = docs
				pipeline, pErr := ingestion.NewPipeline(emb, index, docs, nil)
				if pErr != nil {
					return fmt.Errorf("serve: %w", pErr)
				}
				remover = pipeline
				pingers = append(pingers, server.NewStorePinger(docs))
			}

			// One combined probe up front so a misconfigured dependency shows
			// in the startup log, not just on the first /api/ready poll.
			probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
			if err := server.NewMultiPinger(pingers...).Ping(probeCtx); err != nil {
				log.Warn("dependency not ready at startup", slog.Any("error", err))
			}
			cancelProbe()

			srv, err := server.New(handler, gen, docStore, remover, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("KBAI_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
