package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/54b3r/medrag-go/internal/rag"
)

// FormatVersion is the snapshot layout version written by every persister.
// Loading a snapshot with a different version fails with rag.ErrPersistence.
const FormatVersion = 1

// Header describes the fixed parameters of a snapshot.
type Header struct {
	// Dimension is the vector dimension D.
	Dimension int
	// Metric is the distance metric the vectors are searched with.
	Metric Metric
}

// Row is one persisted position: a vector and its record.
type Row struct {
	// Position is the 0-based insertion position.
	Position int
	// Vector is the embedding stored at Position.
	Vector []float32
	// Record is the metadata record stored at Position.
	Record rag.Record
	// Deleted is the tombstone flag.
	Deleted bool
}

// Snapshot is the full persisted state of an index.
type Snapshot struct {
	// Header holds the dimension and metric.
	Header Header
	// Generation increments with every committed change. Both artifacts of
	// a file snapshot carry it so a torn save is detectable.
	Generation uint64
	// Rows holds every position in ascending order.
	Rows []Row
}

// Persister durably stores index snapshots. Every method is a single commit:
// when it returns an error nothing it was asked to write may be visible to a
// later Load. Store serialises all calls.
type Persister interface {
	// Load returns the last committed snapshot, or nil when none exists.
	Load(ctx context.Context) (*Snapshot, error)
	// Append commits rows at the end of the snapshot.
	Append(ctx context.Context, rows []Row) error
	// MarkDeleted commits tombstones for the given positions.
	MarkDeleted(ctx context.Context, positions []int) error
	// Replace discards the stored snapshot and commits snap in its place.
	Replace(ctx context.Context, snap *Snapshot) error
	// Close releases the persister.
	Close() error
}

// validateRows checks that rows hold contiguous positions starting at 0 and
// vectors of the header dimension.
func validateRows(hdr Header, rows []Row) error {
	for i, row := range rows {
		if row.Position != i {
			return fmt.Errorf("%w: row %d has position %d", rag.ErrPersistence, i, row.Position)
		}
		if len(row.Vector) != hdr.Dimension {
			return fmt.Errorf("%w: row %d has %d components, want %d", rag.ErrPersistence, i, len(row.Vector), hdr.Dimension)
		}
	}
	return nil
}

// Backend names accepted by NewPersister.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// SQLiteFile is the database name used by the sqlite backend inside the
// index directory.
const SQLiteFile = "index.db"

// NewPersister opens the local persister for backend rooted at dir.
func NewPersister(backend, dir string) (Persister, error) {
	switch backend {
	case "", BackendSQLite:
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("index: could not create %s: %w", dir, err)
		}
		return OpenSQLite(filepath.Join(dir, SQLiteFile))
	case BackendFile:
		return OpenFile(dir)
	default:
		return nil, fmt.Errorf("index: unknown backend %q (want sqlite or file)", backend)
	}
}
