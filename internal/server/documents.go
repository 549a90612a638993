package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// handleDocumentCreate handles POST /api/documents. The text is stored as one
// record, or split into chunks when the request sets "chunk". A document_id
// is generated when the metadata carries none.
func (s *Server) handleDocumentCreate(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, "content is required")
		return
	}
	md, err := rag.MetadataFromMap(req.Metadata)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	docID := md.Str(rag.KeyDocumentID)
	if docID == "" {
		docID = uuid.NewString()
		md[rag.KeyDocumentID] = rag.StringValue(docID)
	}
	noteDocument(r, docID)
	if md.Str(rag.KeyPatientID) != "" {
		markPatientScoped(r)
	}

	chunks := 1
	if req.Chunk {
		res, err := s.deps.Ingester.IngestDocument(r.Context(), req.Content, md)
		if err != nil {
			writeErr(w, r, "ingest document", err)
			return
		}
		chunks = res.Chunks
	} else if _, err := s.deps.Ingester.Ingest(r.Context(), req.Content, md); err != nil {
		writeErr(w, r, "ingest", err)
		return
	}
	s.metrics.ingestedChunksTotal.WithLabelValues("documents").Add(float64(chunks))

	logging.FromContext(r.Context()).Info("document ingested",
		slog.String("document_id", docID),
		slog.Int("chunks", chunks),
	)
	writeJSON(w, r, http.StatusOK, documentResponse{Status: "success", ID: docID, Chunks: chunks})
}

// handleDocumentDelete handles DELETE /api/documents/{id}. Every record
// carrying the document_id is soft-deleted; an unknown id deletes nothing
// and returns 404.
func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	noteDocument(r, id)
	n, err := s.deps.Ingester.Delete(r.Context(), id)
	if err != nil {
		writeErr(w, r, "delete document", err)
		return
	}
	if n == 0 {
		writeError(w, r, http.StatusNotFound, "document not found")
		return
	}
	logging.FromContext(r.Context()).Info("document deleted",
		slog.String("document_id", id),
		slog.Int("records", n),
	)
	writeJSON(w, r, http.StatusOK, deleteResponse{Deleted: n})
}
