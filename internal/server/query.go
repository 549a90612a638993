package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// handleSearch handles POST /api/search: retrieve patient-scoped context and
// synthesize an answer. Retrieval and synthesis failures degrade to a 200
// with an explanatory answer and status; only validation and timeouts fail.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}

	if req.PatientID != "" {
		markPatientScoped(r)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	ans, err := s.deps.Assistant.Answer(ctx, req.Query, req.PatientID)
	status := "error"
	if err == nil {
		status = string(ans.Status)
	}
	s.metrics.queryRequestsTotal.WithLabelValues(status).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request timed out")
			return
		}
		writeErr(w, r, "search", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ans)
}

// handleRetrieve handles POST /api/retrieve: return the context chunks a
// search would use, without calling the chat model.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	if req.K < 0 {
		writeError(w, r, http.StatusBadRequest, "k must not be negative")
		return
	}

	var filter rag.Filter
	if req.PatientID != "" {
		filter = rag.PatientFilter(req.PatientID)
		markPatientScoped(r)
	}
	chunks, err := s.deps.Retriever.Retrieve(r.Context(), req.Query, req.K, filter)
	if err != nil {
		writeErr(w, r, "retrieve", err)
		return
	}

	resp := retrieveResponse{Contexts: make([]string, len(chunks)), Chunks: chunks}
	for i, c := range chunks {
		resp.Contexts[i] = c.Text
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleAnalyze handles POST /api/analyze: summarize a report's key findings.
// The summarizer fails closed, so a model outage yields the apology text.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	summary := s.deps.Summarizer.Summarize(ctx, req.Text)
	logging.FromContext(r.Context()).Debug("analyze", slog.Int("chars", len(req.Text)))
	writeJSON(w, r, http.StatusOK, analyzeResponse{Summary: summary})
}
