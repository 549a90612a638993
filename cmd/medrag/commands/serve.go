package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/embedder"
	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/provider"
	"github.com/54b3r/medrag-go/internal/server"
	"github.com/54b3r/medrag-go/internal/tracing"
)

// NewServeCmd constructs the `medrag serve` command, which starts the HTTP
// API over the retrieval engine.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the medrag HTTP API server",
		Long: `Start the medrag HTTP API server.

The server exposes document ingestion, search and retrieval endpoints, plus
patient and report management backed by the record store. Readiness probes
cover the embedding provider, the chat model and the configured stores.

Examples:
  medrag serve
  medrag serve --port 9090
  MEDRAG_INDEX_BACKEND=qdrant medrag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Langfuse tracing is opt-in and a no-op when keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				tracing.Install(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			eng, err := buildEngine(ctx, log, engineOptions{chat: true, ingest: true, records: true})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer eng.Close()

			extractor, err := ingestion.NewExtractor(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise extractor: %w", err)
			}

			deps := server.Deps{
				Assistant:  eng.assistant,
				Retriever:  eng.retriever,
				Ingester:   eng.pipeline,
				Summarizer: eng.synthesizer,
				Extractor:  extractor,
			}
			// A typed nil would defeat the handlers' nil check.
			if eng.records != nil {
				deps.Records = eng.records
			}

			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("MEDRAG_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("MEDRAG_PORT", port)
			}

			srv, err := server.New(deps, &server.Config{
				Host:           host,
				Port:           port,
				Logger:         log,
				Pingers:        buildPingers(eng),
				APIKey:         os.Getenv("MEDRAG_API_KEY"),
				CORSOrigins:    splitList(os.Getenv("MEDRAG_CORS_ORIGINS")),
				MaxUploadBytes: int64(getEnvInt("MEDRAG_MAX_UPLOAD_MB", 0)) << 20,
				QueryTimeout:   getEnvDuration("MEDRAG_QUERY_TIMEOUT", 0),

				QueryRateLimit:  getEnvFloat64("MEDRAG_QUERY_RATE_LIMIT", 0),
				QueryRateBurst:  getEnvInt("MEDRAG_QUERY_RATE_BURST", 0),
				IngestRateLimit: getEnvFloat64("MEDRAG_INGEST_RATE_LIMIT", 0),
				IngestRateBurst: getEnvInt("MEDRAG_INGEST_RATE_BURST", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: MEDRAG_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: MEDRAG_PORT)")

	return cmd
}

// buildPingers returns the readiness probes for the dependencies eng opened.
func buildPingers(eng *engine) []server.Pinger {
	pingers := []server.Pinger{
		server.NewEmbedderPinger(eng.gateway, embedder.ResolveBackend()),
	}
	if eng.chatModel != nil {
		pingers = append(pingers, server.NewLLMPinger(
			eng.chatModel,
			provider.NewHealthCheck(eng.providerCfg),
			string(eng.providerCfg.Backend),
		))
	}
	if eng.qdrant != nil {
		pingers = append(pingers, server.NewQdrantPinger(eng.qdrant.Client()))
	}
	if eng.records != nil {
		pingers = append(pingers, server.PingFunc{Label: "records", Fn: eng.records.Ping})
	}
	return pingers
}
