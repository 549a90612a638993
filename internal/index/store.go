package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/54b3r/medrag-go/internal/rag"
)

// Options configures Open.
type Options struct {
	// Dimension is the vector dimension. It is required when no snapshot
	// exists yet and must match the snapshot when one does. Zero adopts the
	// snapshot's dimension.
	Dimension int

	// Metric is the distance metric. Empty adopts the snapshot's metric, or
	// MetricL2 for a new index.
	Metric Metric

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time summary of a Store.
type Stats struct {
	Dimension  int    `json:"dimension"`
	Metric     Metric `json:"metric"`
	Total      int    `json:"total"`
	Live       int    `json:"live"`
	Deleted    int    `json:"deleted"`
	Generation uint64 `json:"generation"`
}

// ErrClosed is returned by every operation on a closed Store.
var ErrClosed = errors.New("index: store closed")

// Store joins a Flat index, its Records and a Persister into one rag.Index.
// A single RWMutex guards the triple: writers hold it across validate,
// persist and apply; readers share it and never see a vector without its
// record. In-memory state changes only after the persister commits.
type Store struct {
	mu        sync.RWMutex
	flat      *Flat
	records   *Records
	persister Persister
	gen       uint64
	closed    bool
	log       *slog.Logger
}

var _ rag.Index = (*Store)(nil)

// Open loads the snapshot from p, or creates and commits an empty one when
// none exists. The Store owns p and closes it on Close.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	snap, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		if opts.Dimension <= 0 {
			return nil, fmt.Errorf("index: dimension must be set to create a new index")
		}
		metric, err := ParseMetric(string(opts.Metric))
		if err != nil {
			return nil, err
		}
		snap = &Snapshot{Header: Header{Dimension: opts.Dimension, Metric: metric}}
		if err := p.Replace(ctx, snap); err != nil {
			return nil, err
		}
		log.Info("index created", slog.Int("dimension", opts.Dimension), slog.String("metric", string(metric)))
	} else {
		if opts.Dimension > 0 && opts.Dimension != snap.Header.Dimension {
			return nil, fmt.Errorf("index: %w: snapshot has dimension %d, configured %d",
				rag.ErrDimensionMismatch, snap.Header.Dimension, opts.Dimension)
		}
		if opts.Metric != "" && opts.Metric != snap.Header.Metric {
			return nil, fmt.Errorf("index: snapshot uses metric %q, configured %q", snap.Header.Metric, opts.Metric)
		}
	}

	flat, err := NewFlat(snap.Header.Dimension, snap.Header.Metric)
	if err != nil {
		return nil, err
	}
	records := &Records{}
	for _, row := range snap.Rows {
		if _, err := flat.Add(row.Vector); err != nil {
			return nil, fmt.Errorf("index: position %d: %w: %w", row.Position, rag.ErrPersistence, err)
		}
		rec := row.Record
		rec.Metadata = rec.Metadata.Clone()
		records.Append(rec, row.Deleted)
	}

	s := &Store{
		flat:      flat,
		records:   records,
		persister: p,
		gen:       snap.Generation,
		log:       log,
	}
	log.Info("index opened",
		slog.Int("dimension", flat.Dimension()),
		slog.String("metric", string(flat.Metric())),
		slog.Int("total", records.Len()),
		slog.Int("live", records.Live()),
	)
	return s, nil
}

// Dimension returns the fixed vector dimension.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flat.Dimension()
}

// Metric returns the distance metric.
func (s *Store) Metric() Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flat.Metric()
}

// Len returns the number of positions assigned, deleted included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flat.Len()
}

// Append validates, persists and then applies the entries as one commit.
// On any error no entry is visible.
func (s *Store) Append(ctx context.Context, entries []rag.Entry) ([]int, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	dim := s.Dimension()
	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("index: entry %d: %w: want %d, got %d", i, rag.ErrDimensionMismatch, dim, len(e.Vector))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	base := s.flat.Len()
	rows := make([]Row, len(entries))
	positions := make([]int, len(entries))
	for i, e := range entries {
		rec := e.Record
		rec.Metadata = rec.Metadata.Clone()
		rows[i] = Row{Position: base + i, Vector: append([]float32(nil), e.Vector...), Record: rec}
		positions[i] = base + i
	}

	if err := s.persister.Append(ctx, rows); err != nil {
		s.log.Error("index append not committed", slog.Int("entries", len(entries)), slog.Any("error", err))
		return nil, persistenceErr(err)
	}
	s.gen++

	for _, row := range rows {
		_, _ = s.flat.Add(row.Vector)
		s.records.Append(row.Record, false)
	}
	return positions, nil
}

// Search returns up to k live hits nearest to query.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]rag.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	neighbors, err := s.flat.Search(query, k, s.records.Deleted)
	if err != nil {
		return nil, err
	}
	metric := s.flat.Metric()
	hits := make([]rag.Hit, len(neighbors))
	for i, n := range neighbors {
		rec, _ := s.records.Get(n.Position)
		hits[i] = rag.Hit{
			Position: n.Position,
			Distance: n.Distance,
			Score:    metric.Similarity(n.Distance),
			Record:   rec,
		}
	}
	return hits, nil
}

// Get returns the live record at position, or rag.ErrNotFound.
func (s *Store) Get(_ context.Context, position int) (rag.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return rag.Record{}, ErrClosed
	}
	rec, ok := s.records.Get(position)
	if !ok {
		return rag.Record{}, fmt.Errorf("index: position %d: %w", position, rag.ErrNotFound)
	}
	return rec, nil
}

// Vector returns a copy of the vector at position, deleted or not.
func (s *Store) Vector(position int) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if position < 0 || position >= s.flat.Len() {
		return nil, fmt.Errorf("index: position %d: %w", position, rag.ErrNotFound)
	}
	return s.flat.Vector(position), nil
}

// Delete tombstones every live record matching filter and returns how many
// were removed. Vectors stay in place until Compact.
func (s *Store) Delete(ctx context.Context, filter rag.Filter) (int, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("index: delete requires a non-empty filter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	positions := s.records.Match(filter)
	if len(positions) == 0 {
		return 0, nil
	}
	if err := s.persister.MarkDeleted(ctx, positions); err != nil {
		return 0, persistenceErr(err)
	}
	s.gen++
	s.records.MarkDeleted(positions)

	s.log.Info("index records deleted", slog.Int("count", len(positions)))
	return len(positions), nil
}

// Compact rebuilds the snapshot without tombstoned positions. Live entries
// keep their relative order but receive new, contiguous positions. It
// returns the number of positions reclaimed.
func (s *Store) Compact(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	removed := s.records.Len() - s.records.Live()
	if removed == 0 {
		return 0, nil
	}

	hdr := Header{Dimension: s.flat.Dimension(), Metric: s.flat.Metric()}
	next := &Snapshot{Header: hdr, Generation: s.gen + 1, Rows: make([]Row, 0, s.records.Live())}
	for pos := range s.records.Len() {
		rec, ok := s.records.Get(pos)
		if !ok {
			continue
		}
		next.Rows = append(next.Rows, Row{Position: len(next.Rows), Vector: s.flat.Vector(pos), Record: rec})
	}

	if err := s.persister.Replace(ctx, next); err != nil {
		return 0, persistenceErr(err)
	}

	flat, _ := NewFlat(hdr.Dimension, hdr.Metric)
	records := &Records{}
	for _, row := range next.Rows {
		_, _ = flat.Add(row.Vector)
		records.Append(row.Record, false)
	}
	s.flat, s.records, s.gen = flat, records, next.Generation

	s.log.Info("index compacted", slog.Int("removed", removed), slog.Int("live", records.Live()))
	return removed, nil
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Dimension:  s.flat.Dimension(),
		Metric:     s.flat.Metric(),
		Total:      s.records.Len(),
		Live:       s.records.Live(),
		Deleted:    s.records.Len() - s.records.Live(),
		Generation: s.gen,
	}
}

// Close closes the persister. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.persister.Close()
}

// persistenceErr guarantees err matches rag.ErrPersistence.
func persistenceErr(err error) error {
	if errors.Is(err, rag.ErrPersistence) {
		return err
	}
	return fmt.Errorf("index: %w: %w", rag.ErrPersistence, err)
}
