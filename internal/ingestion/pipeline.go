// Package ingestion implements the document ingestion pipeline.
// It reads local knowledge-base files, chunks the content, embeds each
// chunk, upserts the results into the vector index, and records the
// document in the metadata store. This pipeline is invoked by the
// `kbai ingest` CLI command.
package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/store"
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per document chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive chunks.
	// Defaults to 100 if zero or out of range.
	ChunkOverlap int
}

// Options carries caller-supplied metadata for one ingestion. Empty fields
// are inferred from the filename.
type Options struct {
	// Title is the display title. Defaults to the base filename.
	Title string

	// DocType classifies the content (article, cv, report, other).
	DocType string

	// SourceType names the physical format (pdf, transcript, document).
	SourceType string
}

// Pipeline orchestrates the read → chunk → embed → upsert flow for
// knowledge-base documents.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// index persists the embedded chunks.
	index rag.VectorIndex

	// docs records per-document metadata. Optional: nil disables
	// metadata tracking.
	docs store.DocumentStore

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, index rag.VectorIndex, docs store.DocumentStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 100
	}

	return &Pipeline{
		embedder: embedder,
		index:    index,
		docs:     docs,
		cfg:      cfg,
	}, nil
}

// IngestFile reads a file from disk and ingests it under its own name.
func (p *Pipeline) IngestFile(ctx context.Context, path string, opts Options) (store.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Document{}, fmt.Errorf("ingestion: read %s: %w", path, err)
	}
	return p.Ingest(ctx, filepath.Base(path), string(data), opts)
}

// Ingest chunks, embeds, and indexes one document's text. The returned
// Document carries the generated document id and final status. Failures
// after registration leave the document marked failed in the store.
func (p *Pipeline) Ingest(ctx context.Context, filename, text string, opts Options) (store.Document, error) {
	log := logging.FromContext(ctx)

	inferred := InferMetadata(filename)
	if opts.DocType == "" {
		opts.DocType = inferred.DocType
	}
	if opts.SourceType == "" {
		opts.SourceType = inferred.SourceType
	}
	if opts.Title == "" {
		opts.Title = filename
	}

	doc := store.Document{
		ID:         uuid.NewString(),
		Filename:   filename,
		Title:      opts.Title,
		DocType:    opts.DocType,
		SourceType: opts.SourceType,
		Status:     store.StatusPending,
	}
	if err := p.register(ctx, doc); err != nil {
		return store.Document{}, err
	}

	chunks := ChunkText(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		p.fail(ctx, doc.ID)
		return doc, fmt.Errorf("ingestion: %s: document is empty", filename)
	}
	log.Info("chunked document", "document_id", doc.ID, "filename", filename, "chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		p.fail(ctx, doc.ID)
		return doc, fmt.Errorf("ingestion: embedding failed for %s: %w", filename, err)
	}
	if len(embeddings) != len(chunks) {
		p.fail(ctx, doc.ID)
		return doc, fmt.Errorf("ingestion: %s: got %d embeddings for %d chunks", filename, len(embeddings), len(chunks))
	}

	points := make([]rag.Point, 0, len(chunks))
	for i, c := range chunks {
		points = append(points, rag.Point{
			ID:         pointID(doc.ID, c.Index),
			Vector:     embeddings[i],
			Text:       c.Text,
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			Metadata: rag.Payload{
				DocType:          doc.DocType,
				SourceType:       doc.SourceType,
				Section:          c.Section,
				Filename:         doc.Filename,
				OriginalFilename: doc.Title,
			},
		})
	}

	if err := p.index.Upsert(ctx, points); err != nil {
		p.fail(ctx, doc.ID)
		return doc, fmt.Errorf("ingestion: upsert failed for %s: %w", filename, err)
	}

	doc.Status = store.StatusCompleted
	doc.ChunkCount = len(chunks)
	if p.docs != nil {
		if err := p.docs.SetStatus(ctx, doc.ID, store.StatusCompleted, len(chunks)); err != nil {
			return doc, fmt.Errorf("ingestion: record completion for %s: %w", doc.ID, err)
		}
	}

	log.Info("ingested document", "document_id", doc.ID, "filename", filename, "chunks", len(chunks))
	return doc, nil
}

// Delete removes a document's chunks from the index and its metadata row.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	if err := p.index.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("ingestion: delete %s from index: %w", documentID, err)
	}
	if p.docs != nil {
		if err := p.docs.Delete(ctx, documentID); err != nil {
			return fmt.Errorf("ingestion: delete %s metadata: %w", documentID, err)
		}
	}
	return nil
}

// register stores the pending document row when a metadata store is wired.
func (p *Pipeline) register(ctx context.Context, doc store.Document) error {
	if p.docs == nil {
		return nil
	}
	if err := p.docs.Put(ctx, doc); err != nil {
		return fmt.Errorf("ingestion: register %s: %w", doc.ID, err)
	}
	return nil
}

// fail marks the document failed, best effort.
func (p *Pipeline) fail(ctx context.Context, documentID string) {
	if p.docs == nil {
		return
	}
	if err := p.docs.SetStatus(ctx, documentID, store.StatusFailed, 0); err != nil {
		logging.FromContext(ctx).Warn("could not mark document failed", "document_id", documentID, "error", err)
	}
}

// pointID derives a deterministic UUID for a chunk from its document id
// and position, keeping point ids reproducible for a given document.
func pointID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", documentID, index))).String()
}
