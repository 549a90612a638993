package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/medrag-go/internal/index"
	"github.com/54b3r/medrag-go/internal/rag"
)

// keywordEmbedder maps text onto three axes: blood pressure, surgery and
// everything else. It is deterministic and needs no model.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  int
	err   error
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.err != nil && (e.fail == 0 || call <= e.fail) {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		switch {
		case strings.Contains(lower, "hypertension"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(lower, "blood pressure"):
			out[i] = []float32{0.9, 0.1, 0}
		case strings.Contains(lower, "surgery"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (e *keywordEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func openStore(t *testing.T) *index.Store {
	t.Helper()
	p, err := index.OpenSQLite(":memory:")
	require.NoError(t, err)
	s, err := index.Open(context.Background(), p, index.Options{
		Dimension: 3,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPipeline(t *testing.T, e rag.Embedder, idx rag.Index, cfg *Config) *Pipeline {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	p, err := NewPipeline(context.Background(), e, idx, cfg)
	require.NoError(t, err)
	return p
}

func patient(id string) rag.Metadata {
	return rag.Metadata{rag.KeyPatientID: rag.StringValue(id)}
}

func TestIngestAndRetrieve_PatientScoped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	emb := &keywordEmbedder{}
	store := openStore(t)
	p := newPipeline(t, emb, store, nil)

	ok, err := p.Ingest(ctx, "Patient has mild hypertension.", patient("P1"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.Ingest(ctx, "Patient recovering well post-surgery.", patient("P2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, store.Len())

	r, err := rag.NewRetriever(emb, store, nil)
	require.NoError(t, err)

	chunks, err := r.Retrieve(ctx, "Does the patient have high blood pressure?", 0, rag.PatientFilter("P1"))
	require.NoError(t, err)

	joined := rag.Join(chunks)
	assert.Contains(t, joined, "Patient has mild hypertension.")
	assert.NotContains(t, joined, "post-surgery")
}

func TestIngest_FailingEmbedderLeavesIndexUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	emb := &keywordEmbedder{err: rag.ErrEmbeddingUnavailable}
	store := openStore(t)
	p := newPipeline(t, emb, store, &Config{MaxRetries: 2})

	ok, err := p.Ingest(ctx, "Patient has mild hypertension.", patient("P1"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 3, emb.callCount(), "first attempt plus two retries")

	r, err := rag.NewRetriever(emb, store, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "blood pressure?", 0, nil)
	assert.ErrorIs(t, err, rag.ErrRetrievalFailed)
}

func TestIngest_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	emb := &keywordEmbedder{err: errors.New("connection reset"), fail: 1}
	store := openStore(t)
	p := newPipeline(t, emb, store, &Config{MaxRetries: 2})

	ok, err := p.Ingest(context.Background(), "Patient has mild hypertension.", patient("P1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, emb.callCount())
	assert.Equal(t, 1, store.Len())
}

func TestIngest_DimensionMismatchNotRetried(t *testing.T) {
	t.Parallel()

	emb := &keywordEmbedder{err: rag.ErrDimensionMismatch}
	p := newPipeline(t, emb, openStore(t), &Config{MaxRetries: 5})

	ok, err := p.Ingest(context.Background(), "text", patient("P1"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, rag.ErrDimensionMismatch)
	assert.Equal(t, 1, emb.callCount())
}

func TestIngest_AssignsDocumentID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := openStore(t)
	p := newPipeline(t, &keywordEmbedder{}, store, nil)
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	md := patient("P1")
	_, err := p.Ingest(ctx, "Patient has mild hypertension.", md)
	require.NoError(t, err)
	assert.NotContains(t, md, rag.KeyDocumentID, "caller metadata must not be mutated")

	rec, err := store.Get(ctx, 0)
	require.NoError(t, err)
	docID := rec.Metadata.Str(rag.KeyDocumentID)
	assert.NotEmpty(t, docID)
	assert.Equal(t, docID, rec.ID)
	assert.Equal(t, "Patient has mild hypertension.", rec.Text)
	assert.Equal(t, "2026-01-02T03:04:05Z", rec.Metadata.Str(rag.KeyUploadDate))

	md[rag.KeyDocumentID] = rag.StringValue("report-7")
	_, err = p.Ingest(ctx, "Patient recovering well post-surgery.", md)
	require.NoError(t, err)
	rec, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "report-7", rec.ID)
}

func TestIngest_EmptyText(t *testing.T) {
	t.Parallel()

	emb := &keywordEmbedder{}
	p := newPipeline(t, emb, openStore(t), nil)

	ok, err := p.Ingest(context.Background(), "  \n", patient("P1"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, emb.callCount())
}

func TestIngestDocument_ChunksAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := openStore(t)
	p := newPipeline(t, &keywordEmbedder{}, store, &Config{ChunkSize: 60, ChunkOverlap: 5})

	text := strings.Join([]string{
		"Blood panel shows elevated LDL cholesterol levels.",
		"Patient has mild hypertension, monitor monthly.",
		"Recovering well after knee surgery in March.",
	}, "\n\n")
	res, err := p.IngestDocument(ctx, text, patient("P1"))
	require.NoError(t, err)
	require.Greater(t, res.Chunks, 1)
	require.Len(t, res.Positions, res.Chunks)
	assert.Equal(t, res.Chunks, store.Len())

	for i, pos := range res.Positions {
		assert.Equal(t, i, pos)
		rec, err := store.Get(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, res.DocumentID, rec.Metadata.Str(rag.KeyDocumentID))
		idx, _ := rec.Metadata[rag.KeyChunkIndex].Num()
		count, _ := rec.Metadata[rag.KeyChunkCount].Num()
		assert.Equal(t, float64(i), idx)
		assert.Equal(t, float64(res.Chunks), count)
		assert.Equal(t, "P1", rec.Metadata.Str(rag.KeyPatientID))
	}

	n, err := p.Delete(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, n)

	hits, err := store.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIngestDocument_EmbedFailureAppendsNothing(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	p := newPipeline(t, &keywordEmbedder{err: rag.ErrEmbeddingUnavailable}, store, &Config{MaxRetries: -1})

	_, err := p.IngestDocument(context.Background(), "one\n\ntwo", patient("P1"))
	assert.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)
	assert.Equal(t, 0, store.Len())
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := NewPipeline(ctx, nil, openStore(t), nil)
	assert.Error(t, err)
	_, err = NewPipeline(ctx, &keywordEmbedder{}, nil, nil)
	assert.Error(t, err)

	p, err := NewPipeline(ctx, &keywordEmbedder{}, openStore(t), &Config{ChunkSize: 10, ChunkOverlap: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, p.cfg.ChunkOverlap, "overlap clamped below chunk size")
	assert.Equal(t, DefaultMaxRetries, p.cfg.MaxRetries)
}
