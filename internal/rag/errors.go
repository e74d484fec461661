package rag

import "errors"

// ErrEmbeddingUnavailable indicates the embedding backend could not be
// reached or rejected the request. The pipeline surfaces it immediately —
// retries are the collaborator's concern, not ours.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// ErrSearchUnavailable indicates the vector index could not be reached or
// returned a transport-level failure. No partial results are fabricated on
// this path.
var ErrSearchUnavailable = errors.New("vector index unavailable")
