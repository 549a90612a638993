package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/embedder"
	"github.com/54b3r/medrag-go/internal/index"
	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/store"
	"github.com/54b3r/medrag-go/internal/synth"
)

// Index backends selectable with MEDRAG_INDEX_BACKEND.
const (
	backendSQLite = index.BackendSQLite
	backendQdrant = "qdrant"
)

// recordsDisabled is the MEDRAG_RECORDS_DB value that turns the record store off.
const recordsDisabled = "disabled"

// engine bundles the components one command needs. Fields a command did not
// ask for stay nil.
type engine struct {
	providerCfg *provider.Config
	chatModel   model.BaseChatModel
	gateway     *embedder.Gateway
	idx         rag.Index
	local       *index.Store
	qdrant      *rag.QdrantIndex
	retriever   *rag.Retriever
	pipeline    *ingestion.Pipeline
	synthesizer *synth.Synthesizer
	assistant   *assistant.Assistant
	records     *store.SQLiteStore

	closers []func()
}

// engineOptions selects what buildEngine constructs. The index and the
// embedding gateway are always built.
type engineOptions struct {
	chat    bool
	ingest  bool
	records bool
}

// Close releases everything the engine opened, in reverse order.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// buildEngine wires the embedding gateway, the vector index and whatever opts
// asks for from the environment. On error everything opened so far is closed.
func buildEngine(ctx context.Context, log *slog.Logger, opts engineOptions) (_ *engine, err error) {
	e := &engine{}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	e.gateway, err = embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("backend", embedder.ResolveBackend()))

	if err := e.openIndex(ctx, log); err != nil {
		return nil, err
	}

	e.retriever, err = rag.NewRetriever(e.gateway, e.idx, retrieverConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	if opts.ingest {
		e.pipeline, err = ingestion.NewPipeline(ctx, e.gateway, e.idx, ingestionConfigFromEnv())
		if err != nil {
			return nil, fmt.Errorf("failed to create ingestion pipeline: %w", err)
		}
	}

	if opts.chat {
		e.providerCfg = provider.ConfigFromEnv()
		e.chatModel, err = provider.New(ctx, e.providerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise model provider: %w", err)
		}
		log.Info("provider initialised",
			slog.String("provider", string(e.providerCfg.Backend)),
			slog.String("model", e.providerCfg.ModelName()),
		)

		e.synthesizer, err = synth.New(&synth.Config{
			ChatModel: e.chatModel,
			Options:   e.providerCfg.CallOptions(),
			Timeout:   getEnvDuration("SYNTHESIS_TIMEOUT", synth.DefaultTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create synthesizer: %w", err)
		}

		e.assistant, err = assistant.New(&assistant.Config{
			Retriever:        e.retriever,
			Synthesizer:      e.synthesizer,
			MaxContextTokens: getEnvInt("RETRIEVAL_MAX_CONTEXT_TOKENS", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create assistant: %w", err)
		}
	}

	if opts.records {
		if err := e.openRecords(ctx, log); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// openIndexOnly opens the vector index alone, for maintenance commands that
// never embed.
func openIndexOnly(ctx context.Context, log *slog.Logger) (*engine, error) {
	e := &engine{}
	if err := e.openIndex(ctx, log); err != nil {
		return nil, err
	}
	return e, nil
}

// openIndex opens the index selected by MEDRAG_INDEX_BACKEND. The local
// backends persist under MEDRAG_INDEX_DIR (default ~/.medrag/index).
func (e *engine) openIndex(ctx context.Context, log *slog.Logger) error {
	dim := embedder.DefaultDimensions(embedder.ResolveBackend())
	backend := getEnvOrDefault("MEDRAG_INDEX_BACKEND", backendSQLite)

	if backend == backendQdrant {
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		q, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "medrag-records"),
			VectorSize: uint64(dim), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     getEnvBool("QDRANT_TLS"),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		e.qdrant = q
		e.idx = q
		e.closers = append(e.closers, func() { _ = q.Close() })
		log.Info("qdrant index ready", slog.String("host", host), slog.Int("port", port))
		return nil
	}

	dir, err := indexDir()
	if err != nil {
		return err
	}
	// An unset metric adopts the snapshot's, or l2 for a new index.
	var metric index.Metric
	if m := os.Getenv("MEDRAG_INDEX_METRIC"); m != "" {
		if metric, err = index.ParseMetric(m); err != nil {
			return err
		}
	}
	p, err := index.NewPersister(backend, dir)
	if err != nil {
		return err
	}
	st, err := index.Open(ctx, p, index.Options{Dimension: dim, Metric: metric, Logger: log})
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("failed to open index in %s: %w", dir, err)
	}
	e.local = st
	e.idx = st
	e.closers = append(e.closers, func() { _ = st.Close() })
	return nil
}

// openRecords opens the record store at MEDRAG_RECORDS_DB (default
// ~/.medrag/records.db) and seeds the sample patients when
// MEDRAG_SEED_PATIENTS is true. "disabled" leaves records nil.
func (e *engine) openRecords(ctx context.Context, log *slog.Logger) error {
	path := os.Getenv("MEDRAG_RECORDS_DB")
	if path == recordsDisabled {
		log.Info("records: disabled via MEDRAG_RECORDS_DB=disabled")
		return nil
	}
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return fmt.Errorf("records: %w", err)
		}
	}
	rs, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("records: %w", err)
	}
	e.records = rs
	e.closers = append(e.closers, func() { _ = rs.Close() })
	log.Info("records: store opened", slog.String("path", path))

	if getEnvBool("MEDRAG_SEED_PATIENTS") {
		n, err := store.SeedSamplePatients(ctx, rs)
		if err != nil {
			return fmt.Errorf("records: seed: %w", err)
		}
		if n > 0 {
			log.Info("records: sample patients seeded", slog.Int("count", n))
		}
	}
	return nil
}

// indexDir resolves MEDRAG_INDEX_DIR, defaulting to ~/.medrag/index.
func indexDir() (string, error) {
	if dir := os.Getenv("MEDRAG_INDEX_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("index: could not resolve home directory: %w", err)
	}
	return filepath.Join(home, ".medrag", "index"), nil
}

// retrieverConfigFromEnv reads the RETRIEVAL_* tunables over the defaults.
func retrieverConfigFromEnv() *rag.RetrieverConfig {
	cfg := rag.DefaultRetrieverConfig()
	cfg.TopK = getEnvInt("RETRIEVAL_TOP_K", cfg.TopK)
	cfg.MinScore = getEnvFloat32("RETRIEVAL_MIN_SCORE", cfg.MinScore)
	cfg.MaxChunkChars = getEnvInt("RETRIEVAL_MAX_CHUNK_CHARS", cfg.MaxChunkChars)
	cfg.EmbedTimeout = getEnvDuration("RETRIEVAL_TIMEOUT", cfg.EmbedTimeout)
	return cfg
}

// ingestionConfigFromEnv reads the INGEST_* tunables. Unset values keep the
// pipeline defaults.
func ingestionConfigFromEnv() *ingestion.Config {
	return &ingestion.Config{
		ChunkSize:     getEnvInt("INGEST_CHUNK_SIZE", 0),
		ChunkOverlap:  getEnvInt("INGEST_CHUNK_OVERLAP", 0),
		MaxRetries:    getEnvInt("INGEST_MAX_RETRIES", 0),
		RetryInterval: getEnvDuration("INGEST_RETRY_INTERVAL", 0),
	}
}

// getEnvOrDefault returns the value of the environment variable key, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of key, or fallback when it is unset
// or not a number.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat64(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvFloat32(key string, fallback float32) float32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// getEnvBool reports whether key is set to a true value ("true", "1", ...).
func getEnvBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
