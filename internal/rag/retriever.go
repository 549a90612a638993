package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/54b3r/medrag-go/internal/logging"
)

// Default retrieval tunables. They mirror the values the service has always
// shipped with and are all overridable through RetrieverConfig.
const (
	// DefaultTopK is the number of nearest neighbours fetched per query.
	DefaultTopK = 2
	// DefaultMinScore is the minimum similarity a hit needs to become context.
	DefaultMinScore = 0.5
	// DefaultMaxChunkChars caps each context chunk, in characters.
	DefaultMaxChunkChars = 300
	// DefaultEmbedTimeout bounds the query embedding call.
	DefaultEmbedTimeout = 10 * time.Second
	// ContextSeparator joins context chunks into one prompt section.
	ContextSeparator = "\n---\n"
	// truncationMarker is appended to a chunk cut at MaxChunkChars.
	truncationMarker = "..."
)

// Searcher is the read side of an Index used by the Retriever.
type Searcher interface {
	// Search returns up to k hits ordered by ascending distance.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
}

// RetrieverConfig holds the Retriever tunables.
type RetrieverConfig struct {
	// TopK is the neighbour count used when Retrieve is called with k <= 0.
	// Defaults to DefaultTopK if zero.
	TopK int

	// MinScore is the similarity cutoff. Hits scoring below it are noise.
	// Zero accepts every hit.
	MinScore float32

	// MaxChunkChars caps each returned chunk. Defaults to DefaultMaxChunkChars.
	MaxChunkChars int

	// EmbedTimeout bounds the query embedding call. Defaults to DefaultEmbedTimeout.
	EmbedTimeout time.Duration
}

// DefaultRetrieverConfig returns the shipped retrieval settings.
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		TopK:          DefaultTopK,
		MinScore:      DefaultMinScore,
		MaxChunkChars: DefaultMaxChunkChars,
		EmbedTimeout:  DefaultEmbedTimeout,
	}
}

// Chunk is a scored context string produced by Retrieve.
type Chunk struct {
	// ID is the record identifier.
	ID string `json:"id"`
	// Text is the (possibly truncated) record text.
	Text string `json:"text"`
	// Truncated reports whether Text was cut to MaxChunkChars.
	Truncated bool `json:"truncated,omitempty"`
	// Position is the index position of the hit.
	Position int `json:"position"`
	// Distance is the metric distance to the query.
	Distance float32 `json:"distance"`
	// Score is the similarity to the query.
	Score float32 `json:"score"`
	// Metadata is the record metadata.
	Metadata Metadata `json:"metadata,omitempty"`
}

// Retriever is the Retrieval Orchestrator: it embeds a query, searches the
// index, then filters, thresholds and truncates the hits into context chunks.
// It holds no mutable state and is safe for concurrent use.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the nearest-neighbour search.
	index Searcher

	// cfg holds the resolved retrieval settings.
	cfg RetrieverConfig
}

// NewRetriever constructs a Retriever. A nil cfg selects DefaultRetrieverConfig.
func NewRetriever(embedder Embedder, index Searcher, cfg *RetrieverConfig) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if cfg == nil {
		cfg = DefaultRetrieverConfig()
	}
	resolved := *cfg
	if resolved.TopK <= 0 {
		resolved.TopK = DefaultTopK
	}
	if resolved.MaxChunkChars <= 0 {
		resolved.MaxChunkChars = DefaultMaxChunkChars
	}
	if resolved.EmbedTimeout <= 0 {
		resolved.EmbedTimeout = DefaultEmbedTimeout
	}
	return &Retriever{embedder: embedder, index: index, cfg: resolved}, nil
}

// Retrieve returns the context chunks for query, nearest first.
// k <= 0 selects the configured TopK; a nil or empty filter matches all.
// An empty result is not an error. Embedding or search failures are
// reported as ErrRetrievalFailed.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Chunk, error) {
	log := logging.FromContext(ctx)
	if k <= 0 {
		k = r.cfg.TopK
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	vectors, err := r.embedder.Embed(embedCtx, []string{query})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrRetrievalFailed, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for 1 query", ErrRetrievalFailed, len(vectors))
	}

	hits, err := r.index.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrRetrievalFailed, err)
	}

	chunks := make([]Chunk, 0, len(hits))
	filtered, belowCutoff := 0, 0
	for _, h := range hits {
		if !filter.Match(h.Record.Metadata) {
			filtered++
			continue
		}
		if h.Score < r.cfg.MinScore {
			belowCutoff++
			continue
		}
		text, cut := Truncate(h.Record.Text, r.cfg.MaxChunkChars)
		if cut {
			text += truncationMarker
		}
		chunks = append(chunks, Chunk{
			ID:        h.Record.ID,
			Text:      text,
			Truncated: cut,
			Position:  h.Position,
			Distance:  h.Distance,
			Score:     h.Score,
			Metadata:  h.Record.Metadata,
		})
	}

	log.Debug("retrieve",
		slog.Int("k", k),
		slog.Int("hits", len(hits)),
		slog.Int("filtered", filtered),
		slog.Int("below_cutoff", belowCutoff),
		slog.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// Join concatenates chunk texts with ContextSeparator in their given order.
func Join(chunks []Chunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, ContextSeparator)
}

// Truncate returns the first n characters of s and whether anything was cut.
// It never splits a multi-byte rune. n <= 0 means no limit.
func Truncate(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
