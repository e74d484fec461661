package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// payload keys with dedicated columns in the Hit/Point shapes. Everything
// else round-trips through Payload.Extra.
const (
	payloadText             = "text"
	payloadDocumentID       = "document_id"
	payloadChunkIndex       = "chunk_index"
	payloadDocType          = "doc_type"
	payloadSourceType       = "source_type"
	payloadSection          = "section"
	payloadFilename         = "filename"
	payloadOriginalFilename = "original_filename"
)

// QdrantConfig holds connection parameters for a Qdrant vector index instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant instance.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a new QdrantIndex, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorIndex.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}

	return nil
}

// Query performs a cosine similarity search and returns hits ordered by
// similarity descending, as delivered by Qdrant. The score threshold and the
// optional per-document filter are applied index-side.
func (q *QdrantIndex) Query(ctx context.Context, params *QueryParams) ([]Hit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(params.Vector...),
		Limit:          &params.Limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if params.ScoreThreshold > 0 {
		threshold := params.ScoreThreshold
		query.ScoreThreshold = &threshold
	}
	if params.DocumentID != "" {
		query.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(payloadDocumentID, params.DocumentID),
			},
		}
	}

	results, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant: query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{
			ID:    r.Id.GetUuid(),
			Score: r.Score,
		}
		if p := r.Payload; p != nil {
			hit.Text = p[payloadText].GetStringValue()
			hit.DocumentID = p[payloadDocumentID].GetStringValue()
			hit.ChunkIndex = int(p[payloadChunkIndex].GetIntegerValue())
			hit.Metadata = payloadFromValues(p)
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// Upsert stores or updates a batch of points with their embeddings.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, pt := range points {
		payload := map[string]any{
			payloadText:       pt.Text,
			payloadDocumentID: pt.DocumentID,
			payloadChunkIndex: pt.ChunkIndex,
		}
		addIfSet := func(key, val string) {
			if val != "" {
				payload[key] = val
			}
		}
		addIfSet(payloadDocType, pt.Metadata.DocType)
		addIfSet(payloadSourceType, pt.Metadata.SourceType)
		addIfSet(payloadSection, pt.Metadata.Section)
		addIfSet(payloadFilename, pt.Metadata.Filename)
		addIfSet(payloadOriginalFilename, pt.Metadata.OriginalFilename)
		for k, v := range pt.Metadata.Extra {
			payload[k] = v
		}

		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pt.ID),
			Vectors: qdrant.NewVectors(pt.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// DeleteDocument removes every point whose payload carries the given
// document_id. Used when a document is re-ingested or removed.
func (q *QdrantIndex) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(payloadDocumentID, documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed for document %s: %w", documentID, err)
	}

	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// Client exposes the raw Qdrant client for health probing.
func (q *QdrantIndex) Client() *qdrant.Client {
	return q.client
}

// payloadFromValues converts a raw Qdrant payload map into a typed Payload.
// Non-string values outside the reserved keys are dropped — ingestion only
// ever writes strings there.
func payloadFromValues(values map[string]*qdrant.Value) Payload {
	p := Payload{
		DocType:          values[payloadDocType].GetStringValue(),
		SourceType:       values[payloadSourceType].GetStringValue(),
		Section:          values[payloadSection].GetStringValue(),
		Filename:         values[payloadFilename].GetStringValue(),
		OriginalFilename: values[payloadOriginalFilename].GetStringValue(),
	}
	for k, v := range values {
		switch k {
		case payloadText, payloadDocumentID, payloadChunkIndex,
			payloadDocType, payloadSourceType, payloadSection,
			payloadFilename, payloadOriginalFilename:
			continue
		}
		if s := v.GetStringValue(); s != "" {
			if p.Extra == nil {
				p.Extra = make(map[string]string)
			}
			p.Extra[k] = s
		}
	}
	return p
}
