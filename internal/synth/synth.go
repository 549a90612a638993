// Package synth is the answer synthesizer: it turns a question and the
// retrieved context into a grounded prompt, calls the chat model and fails
// closed with a fixed apology when the model cannot answer.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// Apology is returned to users whenever synthesis fails.
const Apology = "Error analyzing medical information. Please try again."

const (
	// DefaultTimeout bounds a single model call.
	DefaultTimeout = 30 * time.Second
	// DefaultFailureThreshold is the number of consecutive failures that
	// opens the breaker.
	DefaultFailureThreshold = 5
	// DefaultOpenTimeout is how long the breaker stays open before a probe.
	DefaultOpenTimeout = 30 * time.Second
)

const systemPrompt = `You are a medical assistant helping doctors analyze patient records. Answer briefly and directly based on the context.
Use only the information in the context. If the context does not contain the answer, say that the patient records do not contain enough information to answer.`

const summaryPrompt = `You are a medical AI assistant. Analyze the following medical text and provide a concise summary of key findings, diagnoses, and recommendations. Be precise and professional.`

// Config holds the dependencies and tunables of a Synthesizer.
type Config struct {
	// ChatModel is the generative model built by the provider factory.
	ChatModel model.BaseChatModel
	// Options are applied to every answer call (temperature, top_p, max tokens).
	Options []model.Option
	// SummaryOptions are applied to report summaries. Defaults to Options.
	SummaryOptions []model.Option
	// Timeout bounds each model call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// FailureThreshold is the consecutive failure count that opens the
	// breaker. Defaults to DefaultFailureThreshold.
	FailureThreshold uint32
	// OpenTimeout is the breaker's open period. Defaults to DefaultOpenTimeout.
	OpenTimeout time.Duration
}

// Synthesizer composes grounded prompts and calls the chat model behind a
// circuit breaker. It is safe for concurrent use.
type Synthesizer struct {
	model       model.BaseChatModel
	opts        []model.Option
	summaryOpts []model.Option
	timeout     time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// New constructs a Synthesizer from cfg.
func New(cfg *Config) (*Synthesizer, error) {
	if cfg == nil || cfg.ChatModel == nil {
		return nil, fmt.Errorf("synth: ChatModel must not be nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	summaryOpts := cfg.SummaryOptions
	if summaryOpts == nil {
		summaryOpts = cfg.Options
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "synth",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("synth: circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// A caller hanging up says nothing about the model's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Synthesizer{
		model:       cfg.ChatModel,
		opts:        cfg.Options,
		summaryOpts: summaryOpts,
		timeout:     timeout,
		breaker:     breaker,
	}, nil
}

// Messages builds the grounding prompt for query over the retrieved passages.
func Messages(query, passages string) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("Context: " + passages + "\nQuestion: " + query + "\nAnswer:"),
	}
}

// Generate answers query from passages. Any model failure, timeout, empty
// completion or open breaker is reported as rag.ErrSynthesisUnavailable.
func (s *Synthesizer) Generate(ctx context.Context, query, passages string) (string, error) {
	return s.call(ctx, Messages(query, passages), s.opts)
}

// Synthesize is Generate with the failure mapped to Apology. It never
// returns an empty string.
func (s *Synthesizer) Synthesize(ctx context.Context, query, passages string) string {
	answer, err := s.Generate(ctx, query, passages)
	if err != nil {
		logging.FromContext(ctx).Warn("synth: answer generation failed", slog.Any("error", err))
		return Apology
	}
	return answer
}

// GenerateSummary produces a summary of a medical report.
func (s *Synthesizer) GenerateSummary(ctx context.Context, text string) (string, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(summaryPrompt),
		schema.UserMessage("Text: " + text + "\n\nAnalysis:"),
	}
	return s.call(ctx, msgs, s.summaryOpts)
}

// Summarize is GenerateSummary with the failure mapped to Apology.
func (s *Synthesizer) Summarize(ctx context.Context, text string) string {
	summary, err := s.GenerateSummary(ctx, text)
	if err != nil {
		logging.FromContext(ctx).Warn("synth: summary generation failed", slog.Any("error", err))
		return Apology
	}
	return summary
}

// State reports the breaker state ("closed", "half-open" or "open").
func (s *Synthesizer) State() string {
	return s.breaker.State().String()
}

func (s *Synthesizer) call(ctx context.Context, msgs []*schema.Message, opts []model.Option) (string, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		resp, err := s.model.Generate(callCtx, msgs, opts...)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, errors.New("empty completion")
		}
		return strings.TrimSpace(resp.Content), nil
	})
	if err != nil {
		return "", fmt.Errorf("synth: %w: %w", rag.ErrSynthesisUnavailable, err)
	}
	return out.(string), nil
}
