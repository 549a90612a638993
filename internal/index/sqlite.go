package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/medrag-go/internal/rag"
)

// SQLitePersister stores the snapshot in a SQLite database: one header row
// and one row per position. Every commit is a single transaction, so the
// vectors and their records always move together.
type SQLitePersister struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// OpenSQLite opens (or creates) the snapshot database at path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func OpenSQLite(path string) (*SQLitePersister, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// migrate creates the schema if it does not already exist.
func (p *SQLitePersister) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS snapshot (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    version      INTEGER NOT NULL,
    dimension    INTEGER NOT NULL,
    metric       TEXT    NOT NULL,
    generation   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE TABLE IF NOT EXISTS entries (
    position     INTEGER PRIMARY KEY,
    doc_id       TEXT    NOT NULL,
    text         TEXT    NOT NULL,
    metadata     TEXT    NOT NULL,
    embedding    BLOB    NOT NULL,
    deleted      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_doc_id ON entries (doc_id);
`
	if _, err := p.db.Exec(ddl); err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}

// Load returns the committed snapshot, or nil when the database is empty.
func (p *SQLitePersister) Load(ctx context.Context) (*Snapshot, error) {
	var (
		version int
		metric  string
		snap    Snapshot
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT version, dimension, metric, generation FROM snapshot WHERE id = 1`,
	).Scan(&version, &snap.Header.Dimension, &metric, &snap.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: load header: %w: %w", rag.ErrPersistence, err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("index: %w: snapshot version %d, want %d", rag.ErrPersistence, version, FormatVersion)
	}
	m, err := ParseMetric(metric)
	if err != nil {
		return nil, fmt.Errorf("index: load header: %w: %w", rag.ErrPersistence, err)
	}
	snap.Header.Metric = m

	rows, err := p.db.QueryContext(ctx,
		`SELECT position, doc_id, text, metadata, embedding, deleted FROM entries ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("index: load entries: %w: %w", rag.ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row     Row
			md      string
			blob    []byte
			deleted int
		)
		if err := rows.Scan(&row.Position, &row.Record.ID, &row.Record.Text, &md, &blob, &deleted); err != nil {
			return nil, fmt.Errorf("index: load scan: %w: %w", rag.ErrPersistence, err)
		}
		if err := json.Unmarshal([]byte(md), &row.Record.Metadata); err != nil {
			return nil, fmt.Errorf("index: position %d metadata: %w: %w", row.Position, rag.ErrPersistence, err)
		}
		if row.Vector, err = decodeVector(blob, snap.Header.Dimension); err != nil {
			return nil, fmt.Errorf("index: position %d: %w: %w", row.Position, rag.ErrPersistence, err)
		}
		row.Deleted = deleted != 0
		snap.Rows = append(snap.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: load rows: %w: %w", rag.ErrPersistence, err)
	}
	if err := validateRows(snap.Header, snap.Rows); err != nil {
		return nil, fmt.Errorf("index: load: %w", err)
	}
	return &snap, nil
}

// Append inserts rows and bumps the generation in one transaction.
func (p *SQLitePersister) Append(ctx context.Context, rows []Row) error {
	return p.inTx(ctx, "append", func(tx *sql.Tx) error {
		if err := insertRows(ctx, tx, rows); err != nil {
			return err
		}
		return bumpGeneration(ctx, tx)
	})
}

// MarkDeleted sets the tombstone flag on positions in one transaction.
func (p *SQLitePersister) MarkDeleted(ctx context.Context, positions []int) error {
	return p.inTx(ctx, "mark deleted", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE entries SET deleted = 1 WHERE position = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, pos := range positions {
			res, err := stmt.ExecContext(ctx, pos)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("position %d not stored", pos)
			}
		}
		return bumpGeneration(ctx, tx)
	})
}

// Replace rewrites the whole snapshot in one transaction.
func (p *SQLitePersister) Replace(ctx context.Context, snap *Snapshot) error {
	if err := validateRows(snap.Header, snap.Rows); err != nil {
		return fmt.Errorf("index: replace: %w", err)
	}
	return p.inTx(ctx, "replace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return err
		}
		const q = `
INSERT INTO snapshot (id, version, dimension, metric, generation, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    version = excluded.version,
    dimension = excluded.dimension,
    metric = excluded.metric,
    generation = excluded.generation,
    updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, q,
			FormatVersion, snap.Header.Dimension, string(snap.Header.Metric), snap.Generation, time.Now().Unix(),
		); err != nil {
			return err
		}
		return insertRows(ctx, tx, snap.Rows)
	})
}

// Close releases the database connection pool.
func (p *SQLitePersister) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("index: close: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction and wraps any failure in rag.ErrPersistence.
func (p *SQLitePersister) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: %s: begin: %w: %w", op, rag.ErrPersistence, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("index: %s: %w: %w", op, rag.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: %s: commit: %w: %w", op, rag.ErrPersistence, err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (position, doc_id, text, metadata, embedding, deleted) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		md, err := json.Marshal(row.Record.Metadata.Clone())
		if err != nil {
			return fmt.Errorf("position %d metadata: %w", row.Position, err)
		}
		deleted := 0
		if row.Deleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx,
			row.Position, row.Record.ID, row.Record.Text, string(md), encodeVector(row.Vector), deleted,
		); err != nil {
			return fmt.Errorf("position %d: %w", row.Position, err)
		}
	}
	return nil
}

func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE snapshot SET generation = generation + 1, updated_at = ? WHERE id = 1`, time.Now().Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.New("snapshot header missing")
	}
	return nil
}
