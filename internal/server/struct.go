package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// QueryTimeout bounds a single /api/search or /api/analyze request.
	// Defaults to 60s.
	QueryTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// QueryRateLimit is the sustained per-IP rate (requests/second) on
	// /api/search and /api/retrieve. Defaults to 10 if zero.
	QueryRateLimit float64
	// QueryRateBurst is the per-IP burst on the query routes. Defaults to 20.
	QueryRateBurst int
	// IngestRateLimit is the sustained per-IP rate on the routes that embed
	// text: /api/documents, /api/reports and /api/analyze. Defaults to 2.
	IngestRateLimit float64
	// IngestRateBurst is the per-IP burst on the ingest routes. Defaults to 5.
	IngestRateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// CORSOrigins is the allow-list of browser origins. "*" allows any origin.
	// Defaults to http://localhost:3000.
	CORSOrigins []string
	// MaxUploadBytes caps the POST /api/reports body. Defaults to 16 MiB.
	MaxUploadBytes int64
	// MetricsRegistry receives the server's Prometheus collectors.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics.
	// Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Answerer runs the full query pipeline for one question.
// *assistant.Assistant satisfies it.
type Answerer interface {
	Answer(ctx context.Context, query, patientID string) (*assistant.Answer, error)
}

// ContextRetriever returns scored context chunks without synthesis.
// *rag.Retriever satisfies it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int, filter rag.Filter) ([]rag.Chunk, error)
}

// Ingester adds and removes documents. *ingestion.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, text string, md rag.Metadata) (bool, error)
	IngestDocument(ctx context.Context, text string, md rag.Metadata) (*ingestion.Result, error)
	Delete(ctx context.Context, documentID string) (int, error)
}

// Summarizer produces a report analysis. *synth.Synthesizer satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, text string) string
}

// Extractor turns an uploaded file into text. *ingestion.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Deps are the components the handlers delegate to. Assistant, Retriever and
// Ingester are required. A nil Records disables the patient and report routes;
// a nil Summarizer disables /api/analyze.
type Deps struct {
	Assistant  Answerer
	Retriever  ContextRetriever
	Ingester   Ingester
	Summarizer Summarizer
	Extractor  Extractor
	Records    store.RecordStore
}

// Server is the HTTP adapter over the retrieval engine.
type Server struct {
	// deps are the engine components the handlers call.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors for this server.
	metrics *serverMetrics
}

// documentRequest is the JSON body for POST /api/documents.
type documentRequest struct {
	// Content is the document text.
	Content string `json:"content"`
	// Metadata is attached to the record; patient_id scopes retrieval.
	Metadata map[string]any `json:"metadata"`
	// Chunk splits Content into multiple records when true.
	Chunk bool `json:"chunk,omitempty"`
}

// documentResponse is the JSON response for POST /api/documents.
type documentResponse struct {
	Status string `json:"status"`
	// ID is the document_id shared by every stored chunk.
	ID string `json:"id"`
	// Chunks is the number of records appended.
	Chunks int `json:"chunks"`
}

// deleteResponse is the JSON response for the delete routes.
type deleteResponse struct {
	// Deleted is the number of index records removed.
	Deleted int `json:"deleted"`
}

// searchRequest is the JSON body for POST /api/search and POST /api/retrieve.
type searchRequest struct {
	Query     string `json:"query"`
	PatientID string `json:"patient_id,omitempty"`
	// K overrides the default number of results (retrieve only).
	K int `json:"k,omitempty"`
}

// retrieveResponse is the JSON response for POST /api/retrieve.
type retrieveResponse struct {
	// Contexts are the chunk texts, most relevant first.
	Contexts []string `json:"contexts"`
	// Chunks carries the scores and metadata for each context.
	Chunks []rag.Chunk `json:"chunks"`
}

// analyzeRequest is the JSON body for POST /api/analyze.
type analyzeRequest struct {
	Text string `json:"text"`
}

// analyzeResponse is the JSON response for POST /api/analyze.
type analyzeResponse struct {
	Summary string `json:"summary"`
}

// reportSummary is one entry of GET /api/patients/{id}/reports.
type reportSummary struct {
	ID          string `json:"_id"`
	Filename    string `json:"filename"`
	Category    string `json:"category"`
	UploadDate  string `json:"uploadDate"`
	TextContent string `json:"textContent"`
	DocumentID  string `json:"documentId,omitempty"`
}

// uploadResponse is the JSON response for POST /api/reports.
type uploadResponse struct {
	Message    string `json:"message"`
	ReportID   string `json:"reportId"`
	DocumentID string `json:"documentId"`
	Chunks     int    `json:"chunks"`
	// Text is a preview of the extracted text.
	Text string `json:"text"`
}

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}
