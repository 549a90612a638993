package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// protectedRoutes is every authenticated medrag route with a body that
// would succeed once authorised.
var protectedRoutes = []struct {
	method, path, body string
}{
	{http.MethodPost, "/api/documents", `{"content":"BP 120/80."}`},
	{http.MethodDelete, "/api/documents/d1", ""},
	{http.MethodPost, "/api/search", `{"query":"blood pressure?"}`},
	{http.MethodPost, "/api/retrieve", `{"query":"blood pressure?"}`},
	{http.MethodPost, "/api/analyze", `{"text":"LDL 190"}`},
	{http.MethodGet, "/api/patients", ""},
	{http.MethodPost, "/api/patients", `{"name":"Jane Smith"}`},
	{http.MethodGet, "/api/patients/1/reports", ""},
	{http.MethodDelete, "/api/reports/1", ""},
}

func TestAuth_EveryAPIRouteRequiresToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &Config{APIKey: "secret"})

	for _, rt := range protectedRoutes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := env.do(rt.method, rt.path, strings.NewReader(rt.body), nil)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
				t.Errorf("WWW-Authenticate = %q", got)
			}
			if got := decode[errorResponse](t, w).Error; got != "authorization required" {
				t.Errorf("error = %q", got)
			}
		})
	}
}

func TestAuth_WrongTokenNeverReachesIngestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &Config{APIKey: "secret"})

	w := env.do(http.MethodPost, "/api/documents", strings.NewReader(`{"content":"BP 120/80."}`),
		map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, "invalid_token") {
		t.Errorf("WWW-Authenticate = %q, want invalid_token", got)
	}
	if len(env.ingester.docs) != 0 {
		t.Errorf("ingester saw %d documents", len(env.ingester.docs))
	}
}

func TestAuth_ValidTokenReachesHandlers(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &Config{APIKey: "secret"})

	for _, scheme := range []string{"Bearer", "bearer", "BEARER"} {
		w := env.do(http.MethodPost, "/api/search", strings.NewReader(`{"query":"blood pressure?"}`),
			map[string]string{"Authorization": scheme + " secret"})
		if w.Code != http.StatusOK {
			t.Errorf("%s scheme: expected 200, got %d", scheme, w.Code)
		}
	}

	w := env.do(http.MethodPost, "/api/patients", strings.NewReader(`{"name":"Jane Smith"}`),
		map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusCreated {
		t.Errorf("create patient: expected 201, got %d", w.Code)
	}
}

func TestAuth_RejectedRequestsSpendNoRateBudget(t *testing.T) {
	t.Parallel()
	cfg := tightLimits(5, 1)
	cfg.APIKey = "secret"
	env := newTestEnv(t, cfg)

	for range 3 {
		env.do(http.MethodPost, "/api/documents", strings.NewReader(`{"content":"x"}`), nil)
	}
	w := env.do(http.MethodPost, "/api/documents", strings.NewReader(`{"content":"BP 120/80."}`),
		map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusOK {
		t.Errorf("first authorised ingest: expected 200, got %d", w.Code)
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	if w := env.do(http.MethodGet, "/api/patients", nil, nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", w.Code)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer mytoken", "mytoken", true},
		{"bearer mytoken", "mytoken", true},
		{"BEARER mytoken", "mytoken", true},
		{"Bearer  spaced ", "spaced", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer    ", "", false},
		{"token only", "", false},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got, ok := bearerToken(req)
		if got != tc.want || ok != tc.ok {
			t.Errorf("header=%q: got (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
