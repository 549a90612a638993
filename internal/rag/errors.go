package rag

import "errors"

// Sentinel errors shared by every component of the retrieval core.
// Components wrap them with context; callers match with errors.Is.
var (
	// ErrDimensionMismatch reports a vector whose length differs from the
	// index dimension. It is a caller error and is never retried.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmbeddingUnavailable reports an embedding provider failure or timeout.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrSynthesisUnavailable reports a generative model failure or timeout.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")

	// ErrPersistence reports a failed snapshot save or load. State touched by
	// the failed operation is not committed.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound reports a missing record on a direct lookup.
	ErrNotFound = errors.New("not found")

	// ErrRetrievalFailed reports that a query could not be served because its
	// embedding or the index search failed.
	ErrRetrievalFailed = errors.New("retrieval failed")
)
