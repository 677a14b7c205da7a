package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	portbackend "github.com/hanax-ai/citadel-orchestrator/internal/port/backend"
)

// Client adapts an HTTP inference/embedding service to the backend port.
// Expected surface: GET {endpoint}/healthz and POST {endpoint}/invoke.
// Model internals stay opaque — the adapter only moves JSON in and out.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ portbackend.Adapter = (*Client)(nil)

func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		// No client-level timeout: per-call deadlines come from the caller's
		// context so the dispatcher controls them per task.
		http: &http.Client{},
	}
}

func (c *Client) HealthCheck(ctx context.Context) (portbackend.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthz", nil)
	if err != nil {
		return portbackend.HealthStatus{}, fmt.Errorf("build health request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return portbackend.HealthStatus{}, fmt.Errorf("health check %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return portbackend.HealthStatus{
		Healthy: resp.StatusCode == http.StatusOK,
		Latency: latency,
	}, nil
}

func (c *Client) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, &portbackend.PermanentError{Err: fmt.Errorf("build invoke request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Connection refused, DNS failure, timeout: all worth retrying.
		return nil, &portbackend.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &portbackend.TransientError{Err: fmt.Errorf("read invoke response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &portbackend.TransientError{Err: fmt.Errorf("backend returned %d", resp.StatusCode)}
	default:
		// 4xx: the request itself is bad; a retry would fail identically.
		return nil, &portbackend.PermanentError{Err: fmt.Errorf("backend rejected request with %d", resp.StatusCode)}
	}
}
