package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// Gateway defaults.
const (
	// DefaultMaxInputChars bounds each text sent to the provider.
	DefaultMaxInputChars = 4096
	// DefaultTimeout bounds one provider call.
	DefaultTimeout = 30 * time.Second
	// DefaultCacheSize is the number of vectors kept in the LRU cache.
	DefaultCacheSize = 512
)

// Pinger is implemented by providers that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GatewayConfig holds the Gateway tunables.
type GatewayConfig struct {
	// MaxInputChars truncates every input to this many characters before it
	// is embedded or used as a cache key. Defaults to DefaultMaxInputChars.
	MaxInputChars int

	// Timeout bounds each provider call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// CacheSize is the LRU capacity in vectors. Zero or negative disables caching.
	CacheSize int

	// Dimensions, when positive, is the vector length every result must have.
	Dimensions int
}

// Gateway is the Embedding Gateway. It wraps a provider with input
// truncation, a timeout, result validation and an LRU cache, and reports
// every provider failure as rag.ErrEmbeddingUnavailable. Retries are left to
// callers. It is safe for concurrent use.
type Gateway struct {
	provider rag.Embedder
	cfg      GatewayConfig
	cache    *lru.Cache[string, []float32]
}

var _ rag.Embedder = (*Gateway)(nil)

// NewGateway wraps provider. A nil cfg selects the defaults with caching on.
func NewGateway(provider rag.Embedder, cfg *GatewayConfig) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedder: provider must not be nil")
	}
	if cfg == nil {
		cfg = &GatewayConfig{CacheSize: DefaultCacheSize}
	}
	resolved := *cfg
	if resolved.MaxInputChars <= 0 {
		resolved.MaxInputChars = DefaultMaxInputChars
	}
	if resolved.Timeout <= 0 {
		resolved.Timeout = DefaultTimeout
	}

	g := &Gateway{provider: provider, cfg: resolved}
	if resolved.CacheSize > 0 {
		cache, err := lru.New[string, []float32](resolved.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedder: create cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Embed returns one vector per text, in input order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log := logging.FromContext(ctx)

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var (
		missing []string
		slots   = make(map[string][]int)
	)
	for i, t := range texts {
		key, _ := rag.Truncate(t, g.cfg.MaxInputChars)
		keys[i] = key
		if g.cache != nil {
			if v, ok := g.cache.Get(key); ok {
				out[i] = v
				continue
			}
		}
		if _, seen := slots[key]; !seen {
			missing = append(missing, key)
		}
		slots[key] = append(slots[key], i)
	}

	if len(missing) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		vectors, err := g.provider.Embed(callCtx, missing)
		cancel()
		if err != nil {
			log.Warn("embedding failed", slog.Int("texts", len(missing)), slog.Any("error", err))
			return nil, fmt.Errorf("embedder: %w: %w", rag.ErrEmbeddingUnavailable, err)
		}
		if len(vectors) != len(missing) {
			return nil, fmt.Errorf("embedder: %w: provider returned %d vectors for %d texts",
				rag.ErrEmbeddingUnavailable, len(vectors), len(missing))
		}
		for j, v := range vectors {
			if len(v) == 0 {
				return nil, fmt.Errorf("embedder: %w: empty vector for input %d", rag.ErrEmbeddingUnavailable, j)
			}
			if g.cfg.Dimensions > 0 && len(v) != g.cfg.Dimensions {
				return nil, fmt.Errorf("embedder: %w: provider returned %d components, want %d",
					rag.ErrDimensionMismatch, len(v), g.cfg.Dimensions)
			}
		}
		for j, key := range missing {
			for _, i := range slots[key] {
				out[i] = vectors[j]
			}
			if g.cache != nil {
				g.cache.Add(key, vectors[j])
			}
		}
	}

	log.Debug("embedded",
		slog.Int("texts", len(texts)),
		slog.Int("provider_inputs", len(missing)),
		slog.Int("cache_hits", len(texts)-countSlots(slots)),
	)
	return out, nil
}

// Ping checks the provider when it supports it.
func (g *Gateway) Ping(ctx context.Context) error {
	p, ok := g.provider.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("embedder: %w: %w", rag.ErrEmbeddingUnavailable, err)
	}
	return nil
}

// CacheLen returns the number of cached vectors.
func (g *Gateway) CacheLen() int {
	if g.cache == nil {
		return 0
	}
	return g.cache.Len()
}

func countSlots(slots map[string][]int) int {
	n := 0
	for _, s := range slots {
		n += len(s)
	}
	return n
}
