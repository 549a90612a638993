package server

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// tightLimits allows burst requests per client per class and then refuses
// for the rest of the test.
func tightLimits(queryBurst, ingestBurst int) *Config {
	return &Config{
		QueryRateLimit:  0.001,
		QueryRateBurst:  queryBurst,
		IngestRateLimit: 0.001,
		IngestRateBurst: ingestBurst,
	}
}

func TestRateLimit_QueryRoutesShareOneBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, tightLimits(2, 5))

	if w := env.postJSON("/api/search", searchRequest{Query: "blood pressure?"}); w.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", w.Code)
	}
	if w := env.postJSON("/api/retrieve", searchRequest{Query: "lipids"}); w.Code != http.StatusOK {
		t.Fatalf("retrieve: expected 200, got %d", w.Code)
	}

	w := env.postJSON("/api/search", searchRequest{Query: "blood pressure?"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third query: expected 429, got %d", w.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Errorf("Retry-After = %q, want a positive number of seconds", w.Header().Get("Retry-After"))
	}
	if got := decode[errorResponse](t, w).Error; got != "rate limit exceeded" {
		t.Errorf("error = %q", got)
	}
}

func TestRateLimit_IngestBudgetIndependentOfQueries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, tightLimits(1, 2))

	env.postJSON("/api/search", searchRequest{Query: "q"})
	if w := env.postJSON("/api/search", searchRequest{Query: "q"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("query budget: expected 429, got %d", w.Code)
	}

	// An exhausted query budget leaves ingestion untouched.
	w := env.postJSON("/api/documents", map[string]any{
		"content":  "BP 120/80.",
		"metadata": map[string]any{"document_id": "d1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("documents: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodDelete, "/api/documents/d1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}

	body, ct := multipartUpload(t, "lab_results.pdf", "LDL elevated.", map[string]string{"patient_id": "1"})
	w = env.do(http.MethodPost, "/api/reports", body, map[string]string{"Content-Type": ct})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("reports: expected 429 once the ingest budget is spent, got %d", w.Code)
	}
	if w := env.postJSON("/api/analyze", analyzeRequest{Text: "LDL 190"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("analyze: expected 429, got %d", w.Code)
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, tightLimits(1, 1))
	search := func(addr string) int {
		return env.doFrom(addr, http.MethodPost, "/api/search", strings.NewReader(`{"query":"q"}`), nil).Code
	}

	if got := search("198.51.100.1:1000"); got != http.StatusOK {
		t.Fatalf("client A first: expected 200, got %d", got)
	}
	// Same host, different source port.
	if got := search("198.51.100.1:2000"); got != http.StatusTooManyRequests {
		t.Errorf("client A second: expected 429, got %d", got)
	}
	if got := search("198.51.100.2:1000"); got != http.StatusOK {
		t.Errorf("client B: expected 200, got %d", got)
	}
}

func TestRateLimit_RecordRoutesUnlimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, tightLimits(1, 1))

	for i := range 5 {
		if w := env.do(http.MethodGet, "/api/patients", nil, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimit_RejectionsCountedByClass(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, tightLimits(1, 5))

	for range 3 {
		env.postJSON("/api/retrieve", searchRequest{Query: "q"})
	}

	m := findMetric(t, env.reg, "medrag_http_rate_limited_total", map[string]string{"class": classQuery})
	if m == nil {
		t.Fatal(`medrag_http_rate_limited_total{class="query"} not found`)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("want 2 rejections, got %v", got)
	}
	if m := findMetric(t, env.reg, "medrag_http_rate_limited_total", map[string]string{"class": classIngest}); m.GetCounter().GetValue() != 0 {
		t.Errorf("ingest rejections = %v, want 0", m.GetCounter().GetValue())
	}
}

func TestNew_RateLimitDefaults(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	cfg := env.srv.cfg

	if cfg.QueryRateLimit != defaultQueryRateLimit || cfg.QueryRateBurst != defaultQueryRateBurst {
		t.Errorf("query limits = %v/%d", cfg.QueryRateLimit, cfg.QueryRateBurst)
	}
	if cfg.IngestRateLimit != defaultIngestRateLimit || cfg.IngestRateBurst != defaultIngestRateBurst {
		t.Errorf("ingest limits = %v/%d", cfg.IngestRateLimit, cfg.IngestRateBurst)
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "1"},
		{200 * time.Millisecond, "1"},
		{1500 * time.Millisecond, "2"},
		{30 * time.Second, "30"},
		{rate.InfDuration, "1"},
	}
	for _, tc := range tests {
		if got := retryAfter(tc.d); got != tc.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
