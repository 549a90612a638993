package rag

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// Reserved payload keys. Metadata keys starting with "_" are rejected on
// append so they can never collide with these.
const (
	payloadID      = "_id"
	payloadText    = "_text"
	payloadDeleted = "_deleted"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index on a Qdrant collection. Points are keyed by
// their numeric position, so positional alignment holds by construction:
// a point carries its vector and its record together.
// Deletion is a soft delete through the _deleted payload flag.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig

	// mu serialises appends so positions are assigned without gaps.
	mu sync.Mutex

	// next is the position the next appended point receives.
	next int
}

// NewQdrantIndex connects to Qdrant, ensures the collection exists (cosine
// distance), and resumes position assignment from the current point count.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	exact := true
	count, err := client.Count(ctx, &qdrant.CountPoints{
		CollectionName: cfg.Collection,
		Exact:          &exact,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant: count points: %w", err)
	}
	idx.next = int(count) //nolint:gosec // point counts fit in int

	return idx, nil
}

// Client exposes the gRPC client for readiness probes.
func (q *QdrantIndex) Client() *qdrant.Client { return q.client }

// ensureCollection creates the Qdrant collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant: failed to read collection %q: %w", q.cfg.Collection, err)
		}
		return checkVectorSize(q.cfg.Collection, info, q.cfg.VectorSize)
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}
	return nil
}

// Append upserts the entries as points at consecutive positions. Qdrant
// applies a single upsert request atomically; the position counter only
// advances once the write is acknowledged.
func (q *QdrantIndex) Append(ctx context.Context, entries []Entry) ([]int, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	dim := q.Dimension()
	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("qdrant: entry %d: %w: want %d, got %d", i, ErrDimensionMismatch, dim, len(e.Vector))
		}
		for k := range e.Record.Metadata {
			if len(k) > 0 && k[0] == '_' {
				return nil, fmt.Errorf("qdrant: entry %d: metadata key %q is reserved", i, k)
			}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	positions := make([]int, len(entries))
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		payload, err := qdrant.TryValueMap(recordPayload(e.Record))
		if err != nil {
			return nil, fmt.Errorf("qdrant: entry %d payload: %w", i, err)
		}
		pos := q.next + i
		positions[i] = pos
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(pos)), //nolint:gosec // positions are non-negative
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return nil, fmt.Errorf("qdrant: upsert: %w: %w", ErrPersistence, err)
	}

	q.next += len(entries)
	return positions, nil
}

// Search returns up to k live points nearest to query. Qdrant scores are
// cosine similarities; Distance is reported as 1 - score. Qdrant may cut a
// tie at the k boundary arbitrarily, so Search over-fetches and lets
// rankHits pick the lowest positions among equal distances.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != q.Dimension() {
		return nil, fmt.Errorf("qdrant: %w: want %d, got %d", ErrDimensionMismatch, q.Dimension(), len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	limit := uint64(fetchLimit(k)) //nolint:gosec // k > 0
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		Filter:         liveFilter(nil),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			Position: int(r.GetId().GetNum()), //nolint:gosec // ids are positions
			Distance: 1 - r.GetScore(),
			Score:    r.GetScore(),
			Record:   payloadRecord(r.GetPayload()),
		})
	}
	return rankHits(hits, k), nil
}

// Get returns the live record stored at position.
func (q *QdrantIndex) Get(ctx context.Context, position int) (Record, error) {
	if position < 0 {
		return Record{}, fmt.Errorf("qdrant: position %d: %w", position, ErrNotFound)
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.cfg.Collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(position))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("qdrant: get %d: %w", position, err)
	}
	if len(points) == 0 {
		return Record{}, fmt.Errorf("qdrant: position %d: %w", position, ErrNotFound)
	}
	payload := points[0].GetPayload()
	if deleted, ok := payload[payloadDeleted]; ok && deleted.GetBoolValue() {
		return Record{}, fmt.Errorf("qdrant: position %d: %w", position, ErrNotFound)
	}
	return payloadRecord(payload), nil
}

// Delete flags every live point matching filter as deleted.
func (q *QdrantIndex) Delete(ctx context.Context, filter Filter) (int, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("qdrant: delete requires a non-empty filter")
	}
	f := liveFilter(filter)

	exact := true
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Filter:         f,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count matches: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	wait := true
	if _, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.cfg.Collection,
		Wait:           &wait,
		Payload:        qdrant.NewValueMap(map[string]any{payloadDeleted: true}),
		PointsSelector: qdrant.NewPointsSelectorFilter(f),
	}); err != nil {
		return 0, fmt.Errorf("qdrant: mark deleted: %w: %w", ErrPersistence, err)
	}
	return int(n), nil //nolint:gosec // bounded by collection size
}

// Len returns the number of positions assigned so far.
func (q *QdrantIndex) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Dimension returns the collection vector size.
func (q *QdrantIndex) Dimension() int { return int(q.cfg.VectorSize) } //nolint:gosec // bounded

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// liveFilter translates f into Qdrant conditions and excludes soft-deleted points.
func liveFilter(f Filter) *qdrant.Filter {
	out := &qdrant.Filter{
		MustNot: []*qdrant.Condition{qdrant.NewMatchBool(payloadDeleted, true)},
	}
	for key, v := range f {
		switch v.Kind() {
		case KindString:
			s, _ := v.Str()
			out.Must = append(out.Must, qdrant.NewMatch(key, s))
		case KindBool:
			b, _ := v.Bool()
			out.Must = append(out.Must, qdrant.NewMatchBool(key, b))
		case KindNumber:
			n, _ := v.Num()
			out.Must = append(out.Must, qdrant.NewRange(key, &qdrant.Range{Gte: &n, Lte: &n}))
		}
	}
	return out
}

// recordPayload flattens a record into a Qdrant payload.
func recordPayload(r Record) map[string]any {
	payload := make(map[string]any, len(r.Metadata)+3)
	for k, v := range r.Metadata {
		payload[k] = v.Any()
	}
	payload[payloadID] = r.ID
	payload[payloadText] = r.Text
	payload[payloadDeleted] = false
	return payload
}

// payloadRecord rebuilds a record from a Qdrant payload.
func payloadRecord(p map[string]*qdrant.Value) Record {
	rec := Record{Metadata: make(Metadata, len(p))}
	for k, v := range p {
		switch k {
		case payloadID:
			rec.ID = v.GetStringValue()
			continue
		case payloadText:
			rec.Text = v.GetStringValue()
			continue
		case payloadDeleted:
			continue
		}
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			rec.Metadata[k] = StringValue(kind.StringValue)
		case *qdrant.Value_DoubleValue:
			rec.Metadata[k] = NumberValue(kind.DoubleValue)
		case *qdrant.Value_IntegerValue:
			rec.Metadata[k] = NumberValue(float64(kind.IntegerValue))
		case *qdrant.Value_BoolValue:
			rec.Metadata[k] = BoolValue(kind.BoolValue)
		}
	}
	return rec
}

// fetchLimit is how many points Search asks Qdrant for to return k.
func fetchLimit(k int) int {
	return 2*k + 1
}

// rankHits sorts hits by distance then position and trims them to k.
func rankHits(hits []Hit, k int) []Hit {
	slices.SortStableFunc(hits, compareHits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// checkVectorSize rejects an existing collection whose single unnamed
// vector does not have the configured size.
func checkVectorSize(collection string, info *qdrant.CollectionInfo, want uint64) error {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("qdrant: collection %q has no unnamed vector config", collection)
	}
	if got := params.GetSize(); got != want {
		return fmt.Errorf("qdrant: collection %q: %w: want %d, got %d", collection, ErrDimensionMismatch, want, got)
	}
	return nil
}

// compareHits orders hits by ascending distance, then ascending position.
func compareHits(a, b Hit) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	default:
		return a.Position - b.Position
	}
}
