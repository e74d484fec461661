// Package rag defines the retrieval core of kbai: the embedding and vector
// index collaborator interfaces, the canonical SearchResult shape, and the
// relevance-filtered search adapter that sits between them and the rest of
// the pipeline. Concrete implementations (Qdrant, OpenAI/Ollama embedders)
// satisfy these interfaces so the query layer never depends on a specific
// backend.
package rag

import (
	"context"
)

// Payload is the typed metadata envelope carried by every stored chunk.
// The well-known fields cover what the pipeline itself reads; anything else
// the ingestion layer attached survives round-trips in Extra.
type Payload struct {
	// DocType classifies the owning document (article, cv, report, other).
	DocType string

	// SourceType records how the document entered the system (pdf, transcript, document).
	SourceType string

	// Section is the document section this chunk was cut from, if known.
	Section string

	// Filename is the stored filename of the owning document.
	Filename string

	// OriginalFilename is the filename as uploaded, before any renaming.
	// Preferred over Filename when deriving a display title.
	OriginalFilename string

	// Extra holds any additional string metadata attached at ingestion time.
	Extra map[string]string
}

// SearchResult is one retrieved fragment, normalized from a raw index hit.
// Results are immutable after creation and live for a single request.
type SearchResult struct {
	// ChunkID uniquely identifies this fragment.
	ChunkID string

	// DocumentID identifies the owning source document. Not unique — several
	// results may share it.
	DocumentID string

	// Text is the UTF-8 content of the fragment.
	Text string

	// Metadata is the typed payload stored alongside the fragment.
	Metadata Payload

	// Score is the similarity score in [0,1]; higher is more relevant.
	Score float64

	// DocumentTitle is the display title derived from the payload
	// (original_filename, falling back to filename). Empty when unknown.
	DocumentTitle string

	// DocumentType mirrors Metadata.DocType for convenience.
	DocumentType string

	// Section mirrors Metadata.Section for convenience.
	Section string
}

// Point is a chunk plus its embedding, ready to be upserted into the index.
type Point struct {
	// ID is the unique chunk identifier (UUID).
	ID string

	// Vector is the pre-computed embedding for Text.
	Vector []float32

	// Text is the raw chunk content.
	Text string

	// DocumentID is the owning document.
	DocumentID string

	// ChunkIndex is the position of this chunk within the document.
	ChunkIndex int

	// Metadata is the payload stored with the point.
	Metadata Payload
}

// Hit is one raw nearest-neighbor result as returned by a VectorIndex.
type Hit struct {
	// ID is the chunk identifier of the stored point.
	ID string

	// Score is the cosine similarity reported by the index.
	Score float32

	// Text is the chunk content from the payload.
	Text string

	// DocumentID is the owning document from the payload.
	DocumentID string

	// ChunkIndex is the chunk position from the payload.
	ChunkIndex int

	// Metadata is the remaining payload.
	Metadata Payload
}

// QueryParams are the knobs for a single VectorIndex query.
type QueryParams struct {
	// Vector is the query embedding.
	Vector []float32

	// Limit is the maximum number of neighbors to return.
	Limit uint64

	// ScoreThreshold drops hits scoring below it at the index side.
	// Zero disables index-side thresholding.
	ScoreThreshold float32

	// DocumentID restricts the search to a single document when non-empty.
	DocumentID string
}

// VectorIndex is the interface for the external similarity index.
// Implementations must be safe to call from multiple goroutines.
type VectorIndex interface {
	// Query returns the nearest neighbors for the given parameters, ordered
	// by similarity descending.
	Query(ctx context.Context, params *QueryParams) ([]Hit, error)

	// Upsert stores or updates a batch of points.
	Upsert(ctx context.Context, points []Point) error

	// DeleteDocument removes every point belonging to the given document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close releases any resources held by the index client.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
