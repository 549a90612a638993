// Package assistant runs the query pipeline: retrieve patient-scoped context,
// fit it into the prompt budget and synthesize a grounded answer.
// A failed query degrades to an explanatory message; only cancellation and
// caller misuse surface as errors.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/medrag-go/internal/budget"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/synth"
)

// User-facing messages for degraded answers.
const (
	NoContextMessage       = "No relevant information found."
	RetrievalFailedMessage = "Failed to process query. Please try again."
)

// ErrEmptyQuery is returned by Answer for a blank query.
var ErrEmptyQuery = errors.New("assistant: query must not be empty")

// Status describes how an Answer was produced.
type Status string

const (
	StatusOK              Status = "ok"
	StatusNoContext       Status = "no_context"
	StatusRetrievalFailed Status = "retrieval_failed"
	StatusSynthesisFailed Status = "synthesis_failed"
)

// Answer is the outcome of one query.
type Answer struct {
	// Text is the model answer or a fixed degraded-mode message.
	Text string `json:"answer"`
	// Status reports which path produced Text.
	Status Status `json:"status"`
	// Sources are the context chunks given to the model, most relevant first.
	Sources []rag.Chunk `json:"sources"`
}

// Retriever returns scored context chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, filter rag.Filter) ([]rag.Chunk, error)
}

// Generator produces an answer from a query and joined context.
type Generator interface {
	Generate(ctx context.Context, query, passages string) (string, error)
}

// Config holds the dependencies required to construct an Assistant.
type Config struct {
	// Retriever is the retrieval orchestrator.
	Retriever Retriever

	// Synthesizer is the answer synthesizer.
	Synthesizer Generator

	// TopK overrides the retriever's neighbour count when positive.
	TopK int

	// MaxContextTokens is the estimated token budget for the full prompt.
	// The least relevant chunks are dropped to fit. Defaults to
	// budget.DefaultMaxContextTokens if zero; negative disables budgeting.
	MaxContextTokens int
}

// Assistant answers patient questions from the indexed records.
type Assistant struct {
	retriever        Retriever
	synthesizer      Generator
	topK             int
	maxContextTokens int
}

// New constructs an Assistant from the provided Config.
func New(cfg *Config) (*Assistant, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("assistant: Retriever must not be nil")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("assistant: Synthesizer must not be nil")
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx == 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	return &Assistant{
		retriever:        cfg.Retriever,
		synthesizer:      cfg.Synthesizer,
		topK:             cfg.TopK,
		maxContextTokens: maxCtx,
	}, nil
}

// Answer runs the pipeline for query. A non-empty patientID scopes retrieval
// to that patient's records.
func (a *Assistant) Answer(ctx context.Context, query, patientID string) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	log := logging.FromContext(ctx)

	var filter rag.Filter
	if patientID != "" {
		filter = rag.PatientFilter(patientID)
	}

	chunks, err := a.retriever.Retrieve(ctx, query, a.topK, filter)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("assistant: retrieval failed", slog.Any("error", err))
		return &Answer{Text: RetrievalFailedMessage, Status: StatusRetrievalFailed, Sources: []rag.Chunk{}}, nil
	}
	if len(chunks) == 0 {
		return &Answer{Text: NoContextMessage, Status: StatusNoContext, Sources: []rag.Chunk{}}, nil
	}

	chunks = a.fit(ctx, query, chunks)

	text, err := a.synthesizer.Generate(ctx, query, rag.Join(chunks))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("assistant: synthesis failed", slog.Any("error", err))
		return &Answer{Text: synth.Apology, Status: StatusSynthesisFailed, Sources: chunks}, nil
	}

	log.Info("assistant: answered",
		slog.Int("sources", len(chunks)),
		slog.Bool("patient_scoped", patientID != ""),
	)
	return &Answer{Text: text, Status: StatusOK, Sources: chunks}, nil
}

// fit drops the least relevant chunks until the prompt fits the budget.
// The most relevant chunk is always kept.
func (a *Assistant) fit(ctx context.Context, query string, chunks []rag.Chunk) []rag.Chunk {
	if a.maxContextTokens < 0 {
		return chunks
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	kept := len(budget.FitContext(synth.Messages(query, ""), texts, rag.ContextSeparator, a.maxContextTokens))
	if kept == 0 {
		kept = 1
	}
	if dropped := len(chunks) - kept; dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped context chunks to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", kept),
			slog.Int("max_tokens", a.maxContextTokens),
		)
	}
	return chunks[:kept]
}
