package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// geminiModelsURL lists models on Google AI Studio.
const geminiModelsURL = "https://generativelanguage.googleapis.com/v1beta/models"

// httpCheck issues a GET and treats any 2xx as healthy. Listing endpoints
// are used so the probe never generates tokens.
type httpCheck struct {
	client *http.Client
	url    string
	header http.Header
}

// HealthCheck performs the probe request.
func (h *httpCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("provider: build health request: %w", err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider: health endpoint returned %s", resp.Status)
	}
	return nil
}

// NewHealthCheck returns a token-free probe for the configured backend, or
// nil when the backend has no listing endpoint to probe.
func NewHealthCheck(cfg *Config) HealthChecker {
	client := &http.Client{Timeout: 10 * time.Second}
	switch cfg.Backend {
	case BackendOllama:
		host := cfg.Ollama.Host
		if host == "" {
			host = "http://localhost:11434"
		}
		return &httpCheck{client: client, url: strings.TrimRight(host, "/") + "/api/version"}
	case BackendOpenAI:
		base := cfg.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return &httpCheck{
			client: client,
			url:    strings.TrimRight(base, "/") + "/models",
			header: http.Header{"Authorization": {"Bearer " + cfg.OpenAI.APIKey}},
		}
	case BackendAzure:
		q := url.Values{"api-version": {cfg.AzureOpenAI.APIVersion}}
		return &httpCheck{
			client: client,
			url:    strings.TrimRight(cfg.AzureOpenAI.Endpoint, "/") + "/openai/models?" + q.Encode(),
			header: http.Header{"api-key": {cfg.AzureOpenAI.APIKey}},
		}
	case BackendGemini:
		return &httpCheck{
			client: client,
			url:    geminiModelsURL,
			header: http.Header{"x-goog-api-key": {cfg.Gemini.APIKey}},
		}
	}
	return nil
}
