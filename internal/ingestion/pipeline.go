// Package ingestion implements the document ingestion path.
// It chunks extracted report text, embeds each chunk, and appends the
// vectors with their metadata records to the index in one atomic batch.
// This pipeline backs POST /api/documents, POST /api/reports and the
// `medrag ingest` CLI command.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// ErrEmptyText is returned when there is nothing to ingest.
var ErrEmptyText = errors.New("ingestion: text must not be empty")

// Default pipeline tunables.
const (
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 100
	DefaultMaxRetries      = 2
	DefaultRetryInterval   = 500 * time.Millisecond
	DefaultMaxRetryElapsed = 30 * time.Second
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per document chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Defaults to DefaultChunkOverlap if zero; negative disables overlap.
	ChunkOverlap int

	// MaxRetries is the number of embedding retries after the first attempt.
	// Defaults to DefaultMaxRetries if zero; negative disables retries.
	MaxRetries int

	// RetryInterval is the initial backoff between embedding attempts.
	// Defaults to DefaultRetryInterval if zero.
	RetryInterval time.Duration
}

// Result describes one ingested document.
type Result struct {
	// DocumentID groups every chunk of the document.
	DocumentID string `json:"document_id"`
	// Chunks is the number of records appended.
	Chunks int `json:"chunks"`
	// Positions are the index positions assigned to the chunks, in order.
	Positions []int `json:"positions"`
}

// Pipeline orchestrates the chunk → embed → append flow.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// index stores the embedded chunks.
	index rag.Index

	// splitter cuts documents into overlapping chunks.
	splitter document.Transformer

	// cfg holds the resolved pipeline configuration.
	cfg Config

	// now stamps upload_date; replaced in tests.
	now func() time.Time
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(ctx context.Context, embedder rag.Embedder, index rag.Index, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	resolved := Config{}
	if cfg != nil {
		resolved = *cfg
	}
	if resolved.ChunkSize <= 0 {
		resolved.ChunkSize = DefaultChunkSize
	}
	switch {
	case resolved.ChunkOverlap == 0:
		resolved.ChunkOverlap = DefaultChunkOverlap
	case resolved.ChunkOverlap < 0:
		resolved.ChunkOverlap = 0
	}
	if resolved.ChunkOverlap >= resolved.ChunkSize {
		resolved.ChunkOverlap = resolved.ChunkSize / 10
	}
	switch {
	case resolved.MaxRetries == 0:
		resolved.MaxRetries = DefaultMaxRetries
	case resolved.MaxRetries < 0:
		resolved.MaxRetries = 0
	}
	if resolved.RetryInterval <= 0 {
		resolved.RetryInterval = DefaultRetryInterval
	}

	splitter, err := recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   resolved.ChunkSize,
		OverlapSize: resolved.ChunkOverlap,
		Separators:  []string{"\n\n", "\n", ". ", " "},
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion: create splitter: %w", err)
	}

	return &Pipeline{
		embedder: embedder,
		index:    index,
		splitter: splitter,
		cfg:      resolved,
		now:      time.Now,
	}, nil
}

// Ingest stores text verbatim as a single record. It returns true only when
// the vector and its record are durably appended; on failure nothing is
// appended and the error carries the reason.
func (p *Pipeline) Ingest(ctx context.Context, text string, md rag.Metadata) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, ErrEmptyText
	}
	docID, md := p.prepare(md)
	if _, err := p.store(ctx, docID, []string{text}, md, false); err != nil {
		return false, err
	}
	return true, nil
}

// IngestDocument splits text into chunks and appends all of them in one
// atomic batch. Each chunk record carries chunk_index and chunk_count in
// addition to md.
func (p *Pipeline) IngestDocument(ctx context.Context, text string, md rag.Metadata) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	docID, md := p.prepare(md)

	chunks, err := p.chunk(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}

	positions, err := p.store(ctx, docID, chunks, md, true)
	if err != nil {
		return nil, err
	}
	return &Result{DocumentID: docID, Chunks: len(chunks), Positions: positions}, nil
}

// Delete soft-removes every chunk of the document and returns the count.
func (p *Pipeline) Delete(ctx context.Context, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("ingestion: document id must not be empty")
	}
	n, err := p.index.Delete(ctx, rag.Filter{rag.KeyDocumentID: rag.StringValue(documentID)})
	if err != nil {
		return 0, fmt.Errorf("ingestion: delete %s: %w", documentID, err)
	}
	return n, nil
}

// prepare resolves the document id and returns a copy of md carrying it and
// an upload date.
func (p *Pipeline) prepare(md rag.Metadata) (string, rag.Metadata) {
	out := md.Clone()
	docID := out.Str(rag.KeyDocumentID)
	if docID == "" {
		docID = uuid.NewString()
		out[rag.KeyDocumentID] = rag.StringValue(docID)
	}
	if _, ok := out[rag.KeyUploadDate]; !ok {
		out[rag.KeyUploadDate] = rag.StringValue(p.now().UTC().Format(time.RFC3339))
	}
	return docID, out
}

// chunk splits text with the recursive splitter, dropping blank chunks.
func (p *Pipeline) chunk(ctx context.Context, text string) ([]string, error) {
	docs, err := p.splitter.Transform(ctx, []*schema.Document{{Content: text}})
	if err != nil {
		return nil, fmt.Errorf("ingestion: split: %w", err)
	}
	chunks := make([]string, 0, len(docs))
	for _, d := range docs {
		if c := strings.TrimSpace(d.Content); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// store embeds texts with retries and appends them as one batch. Chunked
// records get per-chunk ids and chunk_index/chunk_count attributes.
func (p *Pipeline) store(ctx context.Context, docID string, texts []string, md rag.Metadata, chunked bool) ([]int, error) {
	log := logging.FromContext(ctx).With(slog.String("document_id", docID))

	vectors, err := p.embed(ctx, texts)
	if err != nil {
		log.Warn("ingestion: embedding failed", slog.Int("chunks", len(texts)), slog.Any("error", err))
		return nil, fmt.Errorf("ingestion: embed %s: %w", docID, err)
	}

	entries := make([]rag.Entry, len(texts))
	for i, text := range texts {
		recMD := md.Clone()
		id := docID
		if chunked {
			recMD[rag.KeyChunkIndex] = rag.NumberValue(float64(i))
			recMD[rag.KeyChunkCount] = rag.NumberValue(float64(len(texts)))
			id = docID + "#" + strconv.Itoa(i)
		}
		entries[i] = rag.Entry{
			Vector: vectors[i],
			Record: rag.Record{ID: id, Text: text, Metadata: recMD},
		}
	}

	positions, err := p.index.Append(ctx, entries)
	if err != nil {
		log.Error("ingestion: append failed", slog.Int("chunks", len(entries)), slog.Any("error", err))
		return nil, fmt.Errorf("ingestion: append %s: %w", docID, err)
	}
	log.Info("ingestion: document stored", slog.Int("chunks", len(entries)), slog.Any("positions", positions))
	return positions, nil
}

// embed calls the embedder with exponential backoff. Dimension mismatches
// are caller errors and are not retried.
func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	eb.MaxElapsedTime = DefaultMaxRetryElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)

	var vectors [][]float32
	op := func() error {
		v, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			if errors.Is(err, rag.ErrDimensionMismatch) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(v) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d vectors for %d texts", rag.ErrEmbeddingUnavailable, len(v), len(texts)))
		}
		vectors = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.FromContext(ctx).Debug("ingestion: retrying embedding",
			slog.Any("error", err),
			slog.Duration("wait", wait),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return vectors, nil
}
