package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend is a generic JSON-over-HTTP LLMBackend: it POSTs a
// provider-agnostic request envelope to a configured endpoint and expects a
// text completion back. The concrete LLM provider is an external
// collaborator per spec.md §6; this implementation exists so the engine has
// one concrete, runnable wiring for it rather than only an interface.
//
// Grounded on internal/net/client/wrap.go's RoundTrip: classify transport
// failures and non-2xx status codes into the same transient/permanent split
// that wrapper gives its ProviderError, generalized here into BackendError.
type HTTPBackend struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPBackend builds an HTTPBackend with a client timeout matched to the
// caller's per-attempt deadline discipline; the harness itself still imposes
// a request deadline via context, so the client timeout here is a backstop.
func NewHTTPBackend(endpoint, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type httpRequestBody struct {
	Model       string  `json:"model"`
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type httpResponseBody struct {
	Text string `json:"text"`
}

func (b *HTTPBackend) Call(ctx context.Context, req Request, deadline time.Time) (Response, error) {
	start := time.Now()

	payload, err := json.Marshal(httpRequestBody{
		Model:       req.ModelID,
		System:      req.SystemPrompt,
		Prompt:      req.UserPrompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, &BackendError{Kind: KindPermanent, Err: fmt.Errorf("llm: marshal request: %w", err)}
	}

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, b.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &BackendError{Kind: KindPermanent, Err: fmt.Errorf("llm: build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		// Network/transport failures (timeouts, connection refused) are
		// transient: the next attempt may land on a healthy instance.
		return Response{}, &BackendError{Kind: KindTransient, Err: fmt.Errorf("llm: transport: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &BackendError{Kind: KindTransient, Err: fmt.Errorf("llm: read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Response{}, &BackendError{Kind: KindPermanent, Err: fmt.Errorf("llm: auth error (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Response{}, &BackendError{Kind: KindPermanent, Err: fmt.Errorf("llm: client error (HTTP %d): %s", resp.StatusCode, body)}
	case resp.StatusCode >= 500:
		return Response{}, &BackendError{Kind: KindTransient, Err: fmt.Errorf("llm: server error (HTTP %d)", resp.StatusCode)}
	}

	var parsed httpResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, &BackendError{Kind: KindTransient, Err: fmt.Errorf("llm: decode response: %w", err)}
	}

	return Response{
		Text:      parsed.Text,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
