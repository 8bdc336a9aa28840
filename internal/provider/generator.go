// Package provider holds the engine's two external collaborators: the
// content generation backend and the notification service. Both are plain
// HTTP contracts; retry and breaker policy stays with the step executor, so
// the clients here classify errors instead of retrying themselves.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/quillgate/quillgate/internal/step"
	"github.com/quillgate/quillgate/model"
)

// GenerationInput is the request sent to the generation backend.
type GenerationInput struct {
	RequestID string         `json:"request_id"`
	OwnerID   string         `json:"owner_id"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// GenerationOutput is the backend's draft.
type GenerationOutput struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Generator produces draft content for a request. Errors come back
// classified: retryable for transient backend trouble, fatal for policy
// rejections that retrying cannot fix.
type Generator interface {
	Generate(ctx context.Context, input GenerationInput) (GenerationOutput, error)
}

// HTTPGenerator calls the generation backend over HTTP.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator creates a generator client. timeout bounds a single
// round-trip; per-attempt timeouts on top of this belong to the caller.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGenerator{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, input GenerationInput) (GenerationOutput, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return GenerationOutput{}, step.Fatal(fmt.Errorf("provider: marshal input: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return GenerationOutput{}, step.Fatal(fmt.Errorf("provider: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return GenerationOutput{}, step.Retryable(model.NewBackendUnavailableError())
		}
		if ctx.Err() != nil {
			return GenerationOutput{}, step.Retryable(model.NewBackendTimeoutError())
		}
		return GenerationOutput{}, step.Retryable(fmt.Errorf("provider: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return GenerationOutput{}, step.Retryable(fmt.Errorf("provider: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out GenerationOutput
		if err := json.Unmarshal(respBody, &out); err != nil {
			return GenerationOutput{}, step.Retryable(fmt.Errorf("provider: decode response: %w", err))
		}
		if out.Content == "" {
			return GenerationOutput{}, step.Retryable(fmt.Errorf("provider: backend returned empty content"))
		}
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return GenerationOutput{}, step.Retryable(
			fmt.Errorf("provider: backend status %d", resp.StatusCode),
		)
	default:
		// 4xx other than 429 is a policy rejection; retrying the same
		// input will not change the answer.
		return GenerationOutput{}, step.Fatal(
			fmt.Errorf("provider: backend rejected request with status %d: %s",
				resp.StatusCode, truncate(respBody, 512)),
		)
	}
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
