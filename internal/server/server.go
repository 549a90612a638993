// Package server implements the HTTP adapter that exposes the medical
// retrieval engine as a REST API: document ingestion, patient-scoped search,
// patient and report records, and report analysis.
// The server is started by the `medrag serve` CLI command.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/medrag-go/internal/logging"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 8080
	defaultCORSOrigin     = "http://localhost:3000"
	defaultMaxUploadBytes = 16 << 20
	defaultQueryTimeout   = 60 * time.Second
)

// New constructs a Server from the engine components and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Assistant == nil {
		return nil, fmt.Errorf("server: assistant must not be nil")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("server: retriever must not be nil")
	}
	if deps.Ingester == nil {
		return nil, fmt.Errorf("server: ingester must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Must outlast QueryTimeout so degraded answers still reach the client.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.QueryRateLimit == 0 {
		cfg.QueryRateLimit = defaultQueryRateLimit
	}
	if cfg.QueryRateBurst == 0 {
		cfg.QueryRateBurst = defaultQueryRateBurst
	}
	if cfg.IngestRateLimit == 0 {
		cfg.IngestRateLimit = defaultIngestRateLimit
	}
	if cfg.IngestRateBurst == 0 {
		cfg.IngestRateBurst = defaultIngestRateBurst
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{defaultCORSOrigin}
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	limited := func(class string, rps float64, burst int) *rateLimiter {
		return newRateLimiter(class, rps, burst, s.metrics.rateLimitedTotal.WithLabelValues(class))
	}
	queryRL := limited(classQuery, cfg.QueryRateLimit, cfg.QueryRateBurst)
	ingestRL := limited(classIngest, cfg.IngestRateLimit, cfg.IngestRateBurst)

	if cfg.APIKey == "" {
		log.Warn("server: MEDRAG_API_KEY is not set, API authentication is disabled")
	}

	mux := http.NewServeMux()

	// Public probes and metrics.
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	// protected registers an authenticated route. A nil rl leaves it unlimited.
	protected := func(pattern, name string, h http.HandlerFunc, rl *rateLimiter) {
		var next http.Handler = h
		if rl != nil {
			next = rl.middleware(next)
		}
		mux.Handle(pattern, s.instrument(name, authMiddleware(cfg.APIKey, next)))
	}

	protected("POST /api/documents", "documents_create", s.handleDocumentCreate, ingestRL)
	protected("DELETE /api/documents/{id}", "documents_delete", s.handleDocumentDelete, ingestRL)
	protected("POST /api/search", "search", s.handleSearch, queryRL)
	protected("POST /api/retrieve", "retrieve", s.handleRetrieve, queryRL)

	if deps.Records != nil {
		protected("GET /api/patients", "patients_list", s.handlePatientList, nil)
		protected("POST /api/patients", "patients_create", s.handlePatientCreate, nil)
		protected("GET /api/patients/{id}/reports", "patient_reports", s.handlePatientReports, nil)
		protected("DELETE /api/reports/{id}", "reports_delete", s.handleReportDelete, ingestRL)
		if deps.Extractor != nil {
			protected("POST /api/reports", "reports_upload", s.handleReportUpload, ingestRL)
		}
	}
	if deps.Summarizer != nil {
		protected("POST /api/analyze", "analyze", s.handleAnalyze, ingestRL)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, corsMiddleware(cfg.CORSOrigins, mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("medrag server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.log.Info("medrag server stopped")
		return nil
	}
}
