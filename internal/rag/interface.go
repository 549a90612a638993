// Package rag defines the retrieval-augmented generation core: the record and
// metadata model shared by every index backend, the interfaces the ingestion
// and query paths depend on, and the Retrieval Orchestrator itself.
// Concrete indexes (the local flat index in package index, Qdrant here) satisfy
// Index so the query path never depends on a specific backend.
package rag

import (
	"context"
)

// Record is the document chunk stored alongside each indexed vector.
// Text is kept verbatim so retrieval never has to re-read the source file.
type Record struct {
	// ID is the stable identifier assigned at ingestion.
	ID string `json:"id"`

	// Text is the chunk content that was embedded.
	Text string `json:"text"`

	// Metadata scopes and describes the chunk (patient_id, source, upload_date, ...).
	Metadata Metadata `json:"metadata,omitempty"`
}

// Entry is a vector and its record, appended to an Index as one unit.
type Entry struct {
	// Vector is the embedding of Record.Text.
	Vector []float32

	// Record is the metadata record stored at the same position as Vector.
	Record Record
}

// Hit is a single nearest-neighbour result.
type Hit struct {
	// Position is the 0-based insertion position of the matched vector.
	Position int

	// Distance is the metric distance between the query and the vector.
	// Lower is closer.
	Distance float32

	// Score is the similarity derived from Distance. Higher is closer.
	Score float32

	// Record is the metadata record aligned with Position.
	Record Record
}

// Index is a positional vector index with an aligned metadata store.
// Implementations must be safe to call from multiple goroutines and must
// never expose a vector without its record (or the reverse).
type Index interface {
	// Append adds the entries atomically and returns their positions.
	// Either every entry is durably stored or none is.
	Append(ctx context.Context, entries []Entry) ([]int, error)

	// Search returns up to k live hits ordered by ascending distance,
	// ties broken by lower position.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)

	// Get returns the record at position, or ErrNotFound.
	Get(ctx context.Context, position int) (Record, error)

	// Delete soft-removes every live record matching filter and returns the
	// number removed. An empty filter is rejected.
	Delete(ctx context.Context, filter Filter) (int, error)

	// Len returns the number of positions assigned so far, deleted included.
	Len() int

	// Dimension returns the fixed vector dimension of the index.
	Dimension() int

	// Close flushes and releases the index.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
