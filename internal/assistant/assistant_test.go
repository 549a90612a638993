package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/synth"
)

type fakeRetriever struct {
	chunks     []rag.Chunk
	err        error
	gotFilter  rag.Filter
	gotK       int
	retrieveFn func(ctx context.Context) error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, _ string, k int, filter rag.Filter) ([]rag.Chunk, error) {
	f.gotFilter = filter
	f.gotK = k
	if f.retrieveFn != nil {
		if err := f.retrieveFn(ctx); err != nil {
			return nil, err
		}
	}
	return f.chunks, f.err
}

type fakeGenerator struct {
	answer      string
	err         error
	gotPassages string
	calls       int
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, passages string) (string, error) {
	f.calls++
	f.gotPassages = passages
	return f.answer, f.err
}

func newAssistant(t *testing.T, r Retriever, g Generator, maxTokens int) *Assistant {
	t.Helper()
	a, err := New(&Config{Retriever: r, Synthesizer: g, MaxContextTokens: maxTokens})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAnswer_OK(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{chunks: []rag.Chunk{
		{ID: "d1", Text: "Patient has mild hypertension.", Score: 0.9},
		{ID: "d2", Text: "BP 150/95 on last visit.", Score: 0.7},
	}}
	g := &fakeGenerator{answer: "Yes, mild hypertension."}
	a := newAssistant(t, r, g, 0)

	got, err := a.Answer(context.Background(), "  Does the patient have high blood pressure? ", "P1")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Status != StatusOK || got.Text != "Yes, mild hypertension." {
		t.Errorf("got %+v", got)
	}
	if len(got.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(got.Sources))
	}
	if want := "Patient has mild hypertension." + rag.ContextSeparator + "BP 150/95 on last visit."; g.gotPassages != want {
		t.Errorf("passages = %q, want %q", g.gotPassages, want)
	}
	if !r.gotFilter.Match(rag.Metadata{rag.KeyPatientID: rag.StringValue("P1")}) ||
		r.gotFilter.Match(rag.Metadata{rag.KeyPatientID: rag.StringValue("P2")}) {
		t.Errorf("filter %v does not scope to P1", r.gotFilter)
	}
}

func TestAnswer_NoPatientMeansNoFilter(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{}
	a := newAssistant(t, r, &fakeGenerator{}, 0)
	if _, err := a.Answer(context.Background(), "q", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(r.gotFilter) != 0 {
		t.Errorf("filter = %v, want empty", r.gotFilter)
	}
}

func TestAnswer_NoContext(t *testing.T) {
	t.Parallel()

	g := &fakeGenerator{answer: "should not be used"}
	a := newAssistant(t, &fakeRetriever{}, g, 0)

	got, err := a.Answer(context.Background(), "q", "P1")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Status != StatusNoContext || got.Text != NoContextMessage {
		t.Errorf("got %+v", got)
	}
	if g.calls != 0 {
		t.Error("synthesizer called with no context")
	}
	if got.Sources == nil {
		t.Error("sources should be an empty slice, not nil")
	}
}

func TestAnswer_RetrievalFailed(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{err: fmt.Errorf("%w: embed query: %w", rag.ErrRetrievalFailed, rag.ErrEmbeddingUnavailable)}
	a := newAssistant(t, r, &fakeGenerator{}, 0)

	got, err := a.Answer(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Answer must degrade, got error %v", err)
	}
	if got.Status != StatusRetrievalFailed || got.Text != RetrievalFailedMessage {
		t.Errorf("got %+v", got)
	}
}

func TestAnswer_SynthesisFailed(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{chunks: []rag.Chunk{{ID: "d1", Text: "ctx", Score: 1}}}
	g := &fakeGenerator{err: rag.ErrSynthesisUnavailable}
	a := newAssistant(t, r, g, 0)

	got, err := a.Answer(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Answer must degrade, got error %v", err)
	}
	if got.Status != StatusSynthesisFailed || got.Text != synth.Apology {
		t.Errorf("got %+v", got)
	}
	if len(got.Sources) != 1 {
		t.Errorf("sources = %d, want 1", len(got.Sources))
	}
}

func TestAnswer_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRetriever{retrieveFn: func(context.Context) error {
		cancel()
		return fmt.Errorf("%w: %w", rag.ErrRetrievalFailed, context.Canceled)
	}}
	a := newAssistant(t, r, &fakeGenerator{}, 0)

	if _, err := a.Answer(ctx, "q", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAnswer_EmptyQuery(t *testing.T) {
	t.Parallel()

	a := newAssistant(t, &fakeRetriever{}, &fakeGenerator{}, 0)
	if _, err := a.Answer(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestAnswer_BudgetDropsLeastRelevant(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{chunks: []rag.Chunk{
		{ID: "best", Text: strings.Repeat("a", 300), Score: 0.9},
		{ID: "worst", Text: strings.Repeat("b", 300), Score: 0.6},
	}}
	g := &fakeGenerator{answer: "ok"}
	// The fixed prompt is roughly 85 tokens and each chunk 75, so 200 fits one chunk.
	a := newAssistant(t, r, g, 200)

	got, err := a.Answer(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(got.Sources) != 1 || got.Sources[0].ID != "best" {
		t.Errorf("sources = %+v, want only the most relevant", got.Sources)
	}
	if strings.Contains(g.gotPassages, "b") {
		t.Error("dropped chunk reached the synthesizer")
	}
}

func TestAnswer_BudgetKeepsTopChunk(t *testing.T) {
	t.Parallel()

	r := &fakeRetriever{chunks: []rag.Chunk{{ID: "only", Text: "x", Score: 1}}}
	a := newAssistant(t, r, &fakeGenerator{answer: "ok"}, 1)

	got, err := a.Answer(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(got.Sources) != 1 {
		t.Errorf("sources = %d, want the top chunk kept", len(got.Sources))
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(&Config{Synthesizer: &fakeGenerator{}}); err == nil {
		t.Error("expected error for nil Retriever")
	}
	if _, err := New(&Config{Retriever: &fakeRetriever{}}); err == nil {
		t.Error("expected error for nil Synthesizer")
	}
}
