package server

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
	"github.com/54b3r/medrag-go/internal/store"
)

// previewChars is the length of report text previews.
const previewChars = 200

// Report record fields.
const (
	fieldPatientID    = "patient_id"
	fieldFilename     = "filename"
	fieldFileCategory = "file_category"
	fieldUploadDate   = "upload_date"
	fieldTextContent  = "text_content"
	fieldDocumentID   = "document_id"
)

// handlePatientList handles GET /api/patients.
func (s *Server) handlePatientList(w http.ResponseWriter, r *http.Request) {
	patients, err := s.deps.Records.Find(r.Context(), store.CollectionPatients, nil)
	if err != nil {
		writeErr(w, r, "list patients", err)
		return
	}
	if patients == nil {
		patients = []store.Document{}
	}
	writeJSON(w, r, http.StatusOK, patients)
}

// handlePatientCreate handles POST /api/patients. name is required; any
// client-supplied _id is ignored.
func (s *Server) handlePatientCreate(w http.ResponseWriter, r *http.Request) {
	var doc store.Document
	if !decodeJSON(w, r, &doc) {
		return
	}
	name, _ := doc["name"].(string)
	if strings.TrimSpace(name) == "" {
		writeError(w, r, http.StatusBadRequest, "patient name is required")
		return
	}
	delete(doc, store.IDField)
	for _, k := range []string{"age", "gender", "contact"} {
		if _, ok := doc[k]; !ok {
			doc[k] = nil
		}
	}
	if _, ok := doc["medical_history"]; !ok {
		doc["medical_history"] = []any{}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	doc["created_at"] = now
	doc["updated_at"] = now

	created, err := s.deps.Records.Insert(r.Context(), store.CollectionPatients, doc)
	if err != nil {
		writeErr(w, r, "create patient", err)
		return
	}
	logging.FromContext(r.Context()).Info("patient created", slog.String("patient_id", created.ID()))
	writeJSON(w, r, http.StatusCreated, created)
}

// handlePatientReports handles GET /api/patients/{id}/reports. Report text is
// cut to a short preview.
func (s *Server) handlePatientReports(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	markPatientScoped(r)
	docs, err := s.deps.Records.Find(r.Context(), store.CollectionReports, store.Filter{fieldPatientID: patientID})
	if err != nil {
		writeErr(w, r, "list reports", err)
		return
	}
	out := make([]reportSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, reportSummary{
			ID:          d.ID(),
			Filename:    str(d, fieldFilename),
			Category:    str(d, fieldFileCategory),
			UploadDate:  str(d, fieldUploadDate),
			TextContent: preview(str(d, fieldTextContent), previewChars),
			DocumentID:  str(d, fieldDocumentID),
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleReportUpload handles POST /api/reports: a multipart upload with
// file, patient_id and an optional file_category (inferred from the filename
// when absent). The extracted text is chunked into the index and a report
// record is stored. If the record cannot be stored the indexed chunks are
// removed again.
func (s *Server) handleReportUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !ingestion.AllowedFile(filename) {
		writeError(w, r, http.StatusBadRequest, "invalid file type")
		return
	}
	patientID := strings.TrimSpace(r.FormValue(fieldPatientID))
	if patientID == "" {
		writeError(w, r, http.StatusBadRequest, "patient_id is required")
		return
	}

	text, err := s.deps.Extractor.Extract(r.Context(), filename, file)
	if err != nil {
		writeErr(w, r, "extract", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, r, http.StatusBadRequest, "no text could be extracted from the file")
		return
	}

	markPatientScoped(r)
	md := ingestion.ReportMetadata(patientID, filename, r.FormValue(fieldFileCategory), time.Now())
	res, err := s.deps.Ingester.IngestDocument(r.Context(), text, md)
	if err != nil {
		writeErr(w, r, "index report", err)
		return
	}
	noteDocument(r, res.DocumentID)
	s.metrics.ingestedChunksTotal.WithLabelValues("reports").Add(float64(res.Chunks))

	report, err := s.deps.Records.Insert(r.Context(), store.CollectionReports, store.Document{
		fieldPatientID:    patientID,
		fieldFilename:     filename,
		fieldFileCategory: md.Str(ingestion.KeyFileCategory),
		fieldUploadDate:   md.Str(rag.KeyUploadDate),
		fieldTextContent:  text,
		fieldDocumentID:   res.DocumentID,
	})
	if err != nil {
		if _, derr := s.deps.Ingester.Delete(r.Context(), res.DocumentID); derr != nil {
			log.Error("report rollback failed",
				slog.String("document_id", res.DocumentID),
				slog.Any("error", derr),
			)
		}
		writeErr(w, r, "store report", err)
		return
	}

	log.Info("report uploaded",
		slog.String("report_id", report.ID()),
		slog.String("document_id", res.DocumentID),
		slog.Int("chunks", res.Chunks),
	)
	writeJSON(w, r, http.StatusOK, uploadResponse{
		Message:    "File processed successfully",
		ReportID:   report.ID(),
		DocumentID: res.DocumentID,
		Chunks:     res.Chunks,
		Text:       preview(text, previewChars),
	})
}

// handleReportDelete handles DELETE /api/reports/{id}. The report's index
// records are removed first; the record is kept if that fails so the delete
// can be retried.
func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	filter := store.Filter{store.IDField: id}

	report, err := s.deps.Records.FindOne(r.Context(), store.CollectionReports, filter)
	if err != nil {
		writeErr(w, r, "find report", err)
		return
	}

	deleted := 0
	if docID := str(report, fieldDocumentID); docID != "" {
		noteDocument(r, docID)
		deleted, err = s.deps.Ingester.Delete(r.Context(), docID)
		if err != nil {
			writeErr(w, r, "delete report chunks", err)
			return
		}
	}
	if _, err := s.deps.Records.DeleteOne(r.Context(), store.CollectionReports, filter); err != nil {
		writeErr(w, r, "delete report", err)
		return
	}

	logging.FromContext(r.Context()).Info("report deleted",
		slog.String("report_id", id),
		slog.Int("records", deleted),
	)
	writeJSON(w, r, http.StatusOK, deleteResponse{Deleted: deleted})
}

func str(d store.Document, key string) string {
	v, _ := d[key].(string)
	return v
}
