// Package index implements the local Vector Index and Metadata Store: an
// exact, brute-force nearest-neighbour index over fixed-dimension vectors,
// an append-only record list aligned with it by position, and durable
// snapshot persistence to SQLite or to a pair of files.
package index

import (
	"fmt"
	"math"
	"slices"

	"github.com/54b3r/medrag-go/internal/rag"
)

// Metric selects the distance function of an index. It is fixed when the
// index is created and stored in its snapshot.
type Metric string

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = "l2"
	// MetricCosine is cosine distance, 1 - cos(a, b).
	MetricCosine Metric = "cosine"
)

// ParseMetric parses a metric name. The empty string selects MetricL2.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricL2:
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("index: unknown metric %q (want l2 or cosine)", s)
	}
}

// Distance returns the distance between a and b, which must have equal length.
func (m Metric) Distance(a, b []float32) float32 {
	switch m {
	case MetricCosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
		if d < 0 {
			d = 0
		}
		return float32(d)
	default:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return float32(sum)
	}
}

// Similarity maps a distance to a score where higher is closer.
// L2 uses 1/(1+d); cosine recovers the cosine similarity 1-d.
func (m Metric) Similarity(d float32) float32 {
	if m == MetricCosine {
		return 1 - d
	}
	return 1 / (1 + d)
}

// Neighbor is one search result of a Flat index.
type Neighbor struct {
	// Position is the insertion position of the vector.
	Position int
	// Distance is the metric distance to the query.
	Distance float32
}

// Flat is an exact nearest-neighbour index over contiguous float32 storage.
// It is not safe for concurrent use; Store guards it.
type Flat struct {
	dim    int
	metric Metric
	data   []float32
}

// NewFlat returns an empty flat index of the given dimension.
func NewFlat(dim int, metric Metric) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d", dim)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	return &Flat{dim: dim, metric: metric}, nil
}

// Dimension returns the vector dimension.
func (f *Flat) Dimension() int { return f.dim }

// Metric returns the distance metric.
func (f *Flat) Metric() Metric { return f.metric }

// Len returns the number of stored vectors.
func (f *Flat) Len() int { return len(f.data) / f.dim }

// Add appends v and returns its position, which equals Len before the call.
func (f *Flat) Add(v []float32) (int, error) {
	if len(v) != f.dim {
		return 0, fmt.Errorf("index: %w: want %d, got %d", rag.ErrDimensionMismatch, f.dim, len(v))
	}
	pos := f.Len()
	f.data = append(f.data, v...)
	return pos, nil
}

// Vector returns a copy of the vector at pos.
func (f *Flat) Vector(pos int) []float32 {
	return slices.Clone(f.data[pos*f.dim : (pos+1)*f.dim])
}

// Search returns up to k neighbours of q in ascending distance order,
// equal distances ordered by lower position. Positions for which skip
// returns true are not considered; skip may be nil.
func (f *Flat) Search(q []float32, k int, skip func(pos int) bool) ([]Neighbor, error) {
	if len(q) != f.dim {
		return nil, fmt.Errorf("index: %w: want %d, got %d", rag.ErrDimensionMismatch, f.dim, len(q))
	}
	n := f.Len()
	if k <= 0 || n == 0 {
		return nil, nil
	}

	all := make([]Neighbor, 0, n)
	for pos := range n {
		if skip != nil && skip(pos) {
			continue
		}
		all = append(all, Neighbor{
			Position: pos,
			Distance: f.metric.Distance(q, f.data[pos*f.dim:(pos+1)*f.dim]),
		})
	}
	slices.SortFunc(all, compareNeighbors)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// compareNeighbors orders by ascending distance, then ascending position.
func compareNeighbors(a, b Neighbor) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	default:
		return a.Position - b.Position
	}
}
