package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// fakeEmbedPing stands in for the embedding gateway's Ping.
type fakeEmbedPing struct {
	err   error
	delay time.Duration
}

func (p fakeEmbedPing) Ping(ctx context.Context) error {
	select {
	case <-time.After(p.delay):
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readyEnv builds a test server whose /api/ready pings the embedder and
// the real record store.
func readyEnv(t *testing.T, embedErr error) *testEnv {
	t.Helper()
	env := newTestEnv(t, nil)
	env.srv.pingers = []Pinger{
		NewEmbedderPinger(fakeEmbedPing{err: embedErr}, "ollama"),
		PingFunc{Label: "records", Fn: env.records.Ping},
	}
	return env
}

func TestHealth_LivenessIgnoresDependencies(t *testing.T) {
	t.Parallel()
	env := readyEnv(t, errors.New("connection refused"))

	w := env.do(http.MethodGet, "/api/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := decode[map[string]string](t, w)["status"]; got != "ok" {
		t.Errorf("status = %q, want ok", got)
	}
}

func TestReady_NoPingersIsReady(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[readyResponse](t, w)
	if !resp.Ready || len(resp.Checks) != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestReady_EmbedderAndRecordsHealthy(t *testing.T) {
	t.Parallel()
	env := readyEnv(t, nil)

	w := env.do(http.MethodGet, "/api/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[readyResponse](t, w)
	if !resp.Ready {
		t.Error("expected ready:true")
	}
	want := []string{"embedder:ollama", "records"}
	if len(resp.Checks) != len(want) {
		t.Fatalf("got %d checks, want %d", len(resp.Checks), len(want))
	}
	for i, c := range resp.Checks {
		if c.Name != want[i] || !c.OK || c.Error != "" {
			t.Errorf("check %d = %+v, want healthy %s", i, c, want[i])
		}
	}
}

func TestReady_EmbedderDownIs503(t *testing.T) {
	t.Parallel()
	env := readyEnv(t, errors.New("connection refused"))

	w := env.do(http.MethodGet, "/api/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decode[readyResponse](t, w)
	if resp.Ready {
		t.Error("expected ready:false")
	}
	embed, records := resp.Checks[0], resp.Checks[1]
	if embed.OK || embed.Error == "" {
		t.Errorf("embedder check = %+v, want failure with reason", embed)
	}
	if !records.OK {
		t.Errorf("records check = %+v, want healthy", records)
	}
}

func TestReady_ClosedRecordStoreIs503(t *testing.T) {
	t.Parallel()
	env := readyEnv(t, nil)
	if err := env.records.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w := env.do(http.MethodGet, "/api/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if c := decode[readyResponse](t, w).Checks[1]; c.Name != "records" || c.OK {
		t.Errorf("records check = %+v, want failure", c)
	}
}

func TestReady_PingersRunConcurrently(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	slow := fakeEmbedPing{delay: 200 * time.Millisecond}
	env.srv.pingers = []Pinger{
		NewEmbedderPinger(slow, "ollama"),
		NewEmbedderPinger(slow, "openai"),
		NewEmbedderPinger(slow, "gemini"),
	}

	start := time.Now()
	w := env.do(http.MethodGet, "/api/ready", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed >= 550*time.Millisecond {
		t.Errorf("three 200ms pings took %v, want them in parallel", elapsed)
	}
	for _, c := range decode[readyResponse](t, w).Checks {
		if c.LatencyMS < 150 {
			t.Errorf("check %s latency = %dms, want the ping delay", c.Name, c.LatencyMS)
		}
	}
}
