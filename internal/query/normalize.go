// Package query orchestrates the knowledge-base query pipeline: normalize
// the raw query, embed it, search the vector index, group the hits into
// entities, and assemble a token-budgeted context window. The package owns
// the pipeline's error boundary: a failed stage degrades the response, it
// never aborts the request.
package query

import (
	"errors"
	"strings"
)

// ErrEmptyQuery indicates the query contained no content after whitespace
// normalization.
var ErrEmptyQuery = errors.New("query is empty")

// Normalize trims the query and collapses internal whitespace runs to
// single spaces. Case is preserved: the embedding model sees the query as
// the user cased it. Queries that normalize to nothing return ErrEmptyQuery.
func Normalize(q string) (string, error) {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return "", ErrEmptyQuery
	}
	return strings.Join(fields, " "), nil
}
