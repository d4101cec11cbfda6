package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/edforge/edforge/pkg/models"
)

const defaultHTTPTimeout = 120 * time.Second

// RetryConfig bounds the transport-level retry loop of the HTTP generator.
// These retries are invisible to the engine's attempt budget.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// HTTPGenerator invokes a remote generation service over HTTP. The service
// receives the request as JSON and answers with a payload, the raw text and
// usage metrics.
type HTTPGenerator struct {
	logger  *slog.Logger
	client  *http.Client
	url     string
	headers map[string]string
	retry   RetryConfig
}

type httpResponse struct {
	Payload map[string]any `json:"payload"`
	RawText string         `json:"raw_text"`
	Usage   models.Usage   `json:"usage"`
}

func NewHTTPGenerator(logger *slog.Logger, url string, headers map[string]string, retry RetryConfig) *HTTPGenerator {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	return &HTTPGenerator{
		logger:  logger.With("module", "http_generator"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		url:     url,
		headers: headers,
		retry:   retry,
	}
}

func (g *HTTPGenerator) Invoke(ctx context.Context, req Request) (*Output, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	var lastErr error

	for attempt := 1; attempt <= g.retry.Attempts; attempt++ {
		if attempt > 1 {
			g.logger.Debug("Retrying generation request", "attempt", attempt, "node_id", req.NodeID)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.retry.Delay):
			}
		}

		output, retryable, err := g.invokeOnce(ctx, body)
		if err == nil {
			return output, nil
		}

		if !retryable {
			return nil, err
		}

		lastErr = err
	}

	return nil, &TransientError{Err: lastErr}
}

// invokeOnce performs one HTTP round trip. Network failures and 5xx answers
// are retryable; anything else is a contract violation and fails immediately.
func (g *HTTPGenerator) invokeOnce(ctx context.Context, body []byte) (*Output, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build generation request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	for k, v := range g.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}

		return nil, true, err
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read generation response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, raw)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, raw)
	}

	var parsed httpResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("failed to decode generation response: %w", err)
	}

	return &Output{
		Payload: parsed.Payload,
		RawText: parsed.RawText,
		Usage:   parsed.Usage,
	}, false, nil
}
