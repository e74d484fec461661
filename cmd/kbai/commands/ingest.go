package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/ingestion"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/store"
)

// NewIngestCmd constructs the `kbai ingest` command, which chunks, embeds,
// and indexes local documents into the vector store.
func NewIngestCmd() *cobra.Command {
	var (
		title        string
		docType      string
		sourceType   string
		chunkSize    int
		chunkOverlap int
	)

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest documents into the knowledge base",
		Long: `Chunk, embed, and index one or more local files into the Qdrant vector
store, registering each document in the metadata store.

Document type and source type are inferred from the filename (e.g. .pdf,
.vtt transcripts, "report" or "resume" in the name); explicit flags
override inference and apply to every file in the invocation.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: kbai-docs)
  EMBEDDING_*          Embedding backend overrides (see README)

Examples:
  kbai ingest report-q3.pdf
  kbai ingest --doc-type cv resume-jane.pdf
  kbai ingest --chunk-size 500 --chunk-overlap 50 meeting-2026-08.vtt notes.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ingest: failed to initialise embedder: %w", err)
			}

			index, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer index.Close()

			docs, closeDocs := openDocStore(log)
			defer closeDocs()

			// Keep the interface nil when the registry is disabled so the
			// pipeline's nil checks behave.
			var docStore store.DocumentStore
			if docs != nil {
				docStore = docs
			}

			if !cmd.Flags().Changed("chunk-size") {
				chunkSize = getEnvInt("INGEST_CHUNK_SIZE", 0)
			}
			if !cmd.Flags().Changed("chunk-overlap") {
				chunkOverlap = getEnvInt("INGEST_CHUNK_OVERLAP", 0)
			}

			pipeline, err := ingestion.NewPipeline(emb, index, docStore, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			opts := ingestion.Options{
				Title:      title,
				DocType:    docType,
				SourceType: sourceType,
			}

			for _, path := range args {
				doc, err := pipeline.IngestFile(ctx, path, opts)
				if err != nil {
					return fmt.Errorf("ingest: %s: %w", path, err)
				}
				log.Info("document ingested",
					slog.String("file", path),
					slog.String("document_id", doc.ID),
					slog.String("doc_type", doc.DocType),
					slog.Int("chunks", doc.ChunkCount),
				)
				fmt.Printf("ingested %s (%d chunks, id %s)\n", path, doc.ChunkCount, doc.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Display title for the document (default: filename)")
	cmd.Flags().StringVarP(&docType, "doc-type", "d", "", "Document type label (cv, report, article, other)")
	cmd.Flags().StringVarP(&sourceType, "source-type", "s", "", "Source type label (pdf, transcript, document)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Chunk size in characters (default: 1000)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Overlap between consecutive chunks (default: 100)")

	return cmd
}
