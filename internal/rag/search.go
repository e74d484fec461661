package rag

import (
	"context"
	"fmt"
)

// defaultSearchLimit is the number of results returned when the caller
// passes a non-positive limit.
const defaultSearchLimit = 10

// Searcher is the vector search adapter. It issues a similarity query
// against a VectorIndex, applies the relevance threshold as a hard cut, and
// normalizes raw hits into the canonical SearchResult shape. Ordering from
// the index (similarity descending) is preserved — the adapter never
// re-sorts.
type Searcher struct {
	// index performs the underlying nearest-neighbor search.
	index VectorIndex
}

// NewSearcher constructs a Searcher over the given index.
func NewSearcher(index VectorIndex) (*Searcher, error) {
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	return &Searcher{index: index}, nil
}

// Search runs a similarity query for the given embedding and returns at most
// limit results scoring at or above scoreThreshold. documentFilter, when
// non-empty, restricts the search to a single document.
//
// The index is asked for 2×limit candidates to leave slack for the local
// threshold filter; candidates below the threshold are dropped outright,
// not deprioritized. Index failures propagate as ErrSearchUnavailable — no
// partial result set is fabricated.
func (s *Searcher) Search(ctx context.Context, embedding []float32, limit int, scoreThreshold float64, documentFilter string) ([]SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	hits, err := s.index.Query(ctx, &QueryParams{
		Vector:         embedding,
		Limit:          uint64(limit * 2), //nolint:gosec // limit is a small positive request parameter
		ScoreThreshold: float32(scoreThreshold),
		DocumentID:     documentFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Score)
		if score < scoreThreshold {
			continue
		}
		results = append(results, resultFromHit(hit, score))
		if len(results) == limit {
			break
		}
	}

	return results, nil
}

// resultFromHit normalizes a raw index hit into a SearchResult, lifting the
// display title, document type, and section out of the payload. Absence of
// any of them is not an error.
func resultFromHit(hit Hit, score float64) SearchResult {
	title := hit.Metadata.OriginalFilename
	if title == "" {
		title = hit.Metadata.Filename
	}

	return SearchResult{
		ChunkID:       hit.ID,
		DocumentID:    hit.DocumentID,
		Text:          hit.Text,
		Metadata:      hit.Metadata,
		Score:         score,
		DocumentTitle: title,
		DocumentType:  hit.Metadata.DocType,
		Section:       hit.Metadata.Section,
	}
}
