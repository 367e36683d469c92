// Package llm provides the text-completion client used for both the analysis
// backend and the validator backend. The backend is opaque: prompt in, text
// out. A circuit breaker keeps a dead backend from tying up request slots.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"finsight/internal/types"
)

// ErrUnavailable reports that the backend is down or its breaker is open.
var ErrUnavailable = errors.New("llm: backend unavailable")

// Client is the minimal completion interface the pipeline depends on.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	HealthCheck(ctx context.Context) error
	Name() string
}

// Config configures the HTTP completion backend.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// HTTPClient talks to an Ollama-compatible /api/generate endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPClient creates the completion client with a circuit breaker that
// opens after repeated consecutive failures.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm:" + cfg.Model,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &HTTPClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends the prompt and returns the backend's text response.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return "", err
	}
	return out.(string), nil
}

func (c *HTTPClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", types.NewPipelineError(types.ErrTimeout, "llm", "completion deadline exceeded", ctx.Err())
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return result.Response, nil
}

// HealthCheck verifies the backend is reachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Name identifies the backend for /health.
func (c *HTTPClient) Name() string {
	return fmt.Sprintf("ollama:%s", c.model)
}
