// Package store provides a SQLite-backed record store for patients and their
// reports. Records are schemaless JSON documents grouped into collections and
// addressed by attribute-equality filters. The store is independent of the
// vector index; it only supplies the patient ids used to scope retrieval.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Collection names.
const (
	CollectionPatients = "patients"
	CollectionReports  = "reports"
)

// IDField is the document key holding the record id.
const IDField = "_id"

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("store: not found")

// Document is a single JSON record. Values decode as string, float64, bool,
// nil, []any or map[string]any.
type Document map[string]any

// ID returns the document's _id, or "" when absent.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Filter is a conjunction of attribute equalities. The empty filter matches
// every document.
type Filter map[string]any

// RecordStore is the minimal record store used by the HTTP adapter.
// Implementations must be safe for concurrent use.
type RecordStore interface {
	// Insert stores doc in collection and returns it with its _id set.
	// A missing _id is assigned the next sequential id of the collection.
	Insert(ctx context.Context, collection string, doc Document) (Document, error)
	// Find returns every matching document in insertion order.
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)
	// FindOne returns the first matching document or ErrNotFound.
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	// DeleteOne removes the first matching document and reports whether one
	// was removed.
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a RecordStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

var _ RecordStore = (*SQLiteStore)(nil)

// DefaultDBPath returns the default path for the record database.
// It resolves to ~/.medrag/records.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".medrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "records.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS records (
    collection   TEXT    NOT NULL,
    seq          INTEGER NOT NULL,
    id           TEXT    NOT NULL,
    doc          TEXT    NOT NULL,  -- JSON object
    created_at   INTEGER NOT NULL,  -- Unix timestamp (seconds)
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_collection_seq
    ON records (collection, seq);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Insert stores doc in collection. The caller's map is not modified.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: insert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE collection = ?`, collection,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("store: insert: next seq: %w", err)
	}

	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	id := out.ID()
	if id == "" {
		id = strconv.FormatInt(seq, 10)
		out[IDField] = id
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("store: insert: encode: %w", err)
	}
	const q = `INSERT INTO records (collection, seq, id, doc, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, collection, seq, id, string(body), time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("store: insert %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: insert: commit: %w", err)
	}

	// Return the JSON view so callers see the same value types Find returns.
	var stored Document
	if err := json.Unmarshal(body, &stored); err != nil {
		return nil, fmt.Errorf("store: insert: decode: %w", err)
	}
	return stored, nil
}

// Find returns every document in collection matching filter, oldest first.
func (s *SQLiteStore) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	docs, _, err := s.scan(ctx, collection, filter, 0)
	return docs, err
}

// FindOne returns the first document matching filter or ErrNotFound.
func (s *SQLiteStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	docs, _, err := s.scan(ctx, collection, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// DeleteOne removes the first document matching filter.
func (s *SQLiteStore) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	_, ids, err := s.scan(ctx, collection, filter, 1)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	const q = `DELETE FROM records WHERE collection = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, q, collection, ids[0]); err != nil {
		return false, fmt.Errorf("store: delete %s/%s: %w", collection, ids[0], err)
	}
	return true, nil
}

// Count returns the number of documents in collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", collection, err)
	}
	return n, nil
}

// Ping checks the database connection. Used by GET /api/ready.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scan walks collection in insertion order and returns up to limit matching
// documents with their ids. limit <= 0 means no limit. Filters are evaluated
// on the decoded JSON so numbers compare as float64 whatever their Go type.
func (s *SQLiteStore) scan(ctx context.Context, collection string, filter Filter, limit int) ([]Document, []string, error) {
	want, err := normalize(filter)
	if err != nil {
		return nil, nil, err
	}

	const q = `SELECT id, doc FROM records WHERE collection = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, collection)
	if err != nil {
		return nil, nil, fmt.Errorf("store: find %s: %w", collection, err)
	}
	defer rows.Close()

	var (
		docs []Document
		ids  []string
	)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, nil, fmt.Errorf("store: find scan: %w", err)
		}
		var d Document
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, nil, fmt.Errorf("store: find decode %s/%s: %w", collection, id, err)
		}
		if !matches(d, want) {
			continue
		}
		docs = append(docs, d)
		ids = append(ids, id)
		if limit > 0 && len(docs) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: find rows: %w", err)
	}
	return docs, ids, nil
}

// normalize converts filter values to their JSON-decoded form.
func normalize(filter Filter) (map[string]string, error) {
	out := make(map[string]string, len(filter))
	for k, v := range filter {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: filter %q: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

func matches(d Document, want map[string]string) bool {
	for k, w := range want {
		v, ok := d[k]
		if !ok {
			return false
		}
		b, err := json.Marshal(v)
		if err != nil || string(b) != w {
			return false
		}
	}
	return true
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
