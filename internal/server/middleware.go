package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/medrag-go/internal/logging"
)

// headerRequestID carries the request id in both directions. A valid UUID
// supplied by the caller is kept so logs can be joined across services.
const headerRequestID = "X-Request-ID"

// requestScope collects what handlers learn about a request that is safe to
// log: whether it was restricted to one patient and which document it
// touched. Patient ids, query text and record content never go here.
type requestScope struct {
	patientScoped bool
	documentID    string
}

type scopeKey struct{}

// scopeFrom returns the scope installed by requestLogger, or nil when the
// handler runs outside it.
func scopeFrom(ctx context.Context) *requestScope {
	sc, _ := ctx.Value(scopeKey{}).(*requestScope)
	return sc
}

// markPatientScoped records that r was restricted to a single patient.
func markPatientScoped(r *http.Request) {
	if sc := scopeFrom(r.Context()); sc != nil {
		sc.patientScoped = true
	}
}

// noteDocument records the document id r created or removed.
func noteDocument(r *http.Request, id string) {
	if sc := scopeFrom(r.Context()); sc != nil {
		sc.documentID = id
	}
}

// requestLogger assigns every request an id, puts a logger carrying it on
// the context and writes one completion line with status, latency and the
// request's scope.
func requestLogger(base *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)

		log := base.With(
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		sc := &requestScope{}
		ctx := logging.WithLogger(r.Context(), log)
		ctx = context.WithValue(ctx, scopeKey{}, sc)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		attrs := []slog.Attr{
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
			slog.Bool("patient_scoped", sc.patientScoped),
		}
		if sc.documentID != "" {
			attrs = append(attrs, slog.String("document_id", sc.documentID))
		}
		log.LogAttrs(ctx, requestLevel(rw.status), "request", attrs...)
	})
}

// requestLevel logs server errors at ERROR and everything else at INFO.
func requestLevel(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelInfo
}

// responseWriter records the status code the handler wrote.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
