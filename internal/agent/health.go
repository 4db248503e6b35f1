package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HealthChecker probes a running agent. Implementations are injected so
// tests and non-HTTP agents can supply their own.
type HealthChecker interface {
	Check(ctx context.Context, agentID string, port int, timeout time.Duration) error
}

// HTTPHealthChecker probes GET /health on the agent's port.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates the default health checker.
func NewHTTPHealthChecker() *HTTPHealthChecker {
	return &HTTPHealthChecker{client: &http.Client{}}
}

// Check performs the HTTP probe. Any non-2xx response is a failure.
func (c *HTTPHealthChecker) Check(ctx context.Context, agentID string, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent '%s' health endpoint returned %d", agentID, resp.StatusCode)
	}
	return nil
}
