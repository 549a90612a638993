package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/medrag-go/internal/provider"
)

// EmbedderPinger probes the embedding provider.
// *embedder.Gateway satisfies the underlying interface.
type EmbedderPinger struct {
	// embedder is the component to probe.
	embedder interface {
		Ping(ctx context.Context) error
	}
	// name identifies the backend in readiness responses.
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger labelled "embedder:<backend>".
func NewEmbedderPinger(e interface{ Ping(ctx context.Context) error }, backend string) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, name: "embedder:" + backend}
}

// Name returns the dependency label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping probes the embedding backend.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	if err := p.embedder.Ping(ctx); err != nil {
		return fmt.Errorf("embedding probe failed: %w", err)
	}
	return nil
}

// LLMPinger probes the chat model backend. It satisfies the Pinger interface
// and is used by GET /api/ready.
type LLMPinger struct {
	// model is the chat model, probed only when no health check exists.
	model model.BaseChatModel
	// healthCheck is the zero-cost HTTP probe for the backend, if any.
	healthCheck provider.HealthChecker
	// name identifies the backend in readiness responses (e.g. "llm:ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given model, health check and
// backend name. hc may be nil.
func NewLLMPinger(m model.BaseChatModel, hc provider.HealthChecker, backend string) *LLMPinger {
	return &LLMPinger{model: m, healthCheck: hc, name: "llm:" + backend}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend for readiness. When a HealthChecker is
// available it is used exclusively; otherwise it falls back to a minimal
// Generate call, which consumes tokens.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.healthCheck != nil {
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}
	if p.model == nil {
		return fmt.Errorf("%s: no chat model configured", p.name)
	}

	slog.Warn("pinger: falling back to Generate-based health check, tokens will be consumed",
		slog.String("backend", p.name),
	)
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")}, model.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	_, err := p.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
