package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// HTTPExecutor delivers tasks to running agents over their local HTTP
// endpoint. The agent processes spawned by the supervisor listen on
// AGENT_PORT and accept POST /task.
type HTTPExecutor struct {
	pool   *Pool
	client *http.Client
}

// NewHTTPExecutor creates the default task executor.
func NewHTTPExecutor(pool *Pool) *HTTPExecutor {
	return &HTTPExecutor{pool: pool, client: &http.Client{}}
}

type taskResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Execute posts the task to the agent and returns its output. The
// caller controls the deadline through ctx.
func (e *HTTPExecutor) Execute(ctx context.Context, agentID string, task DispatchTask) (string, error) {
	cfg, err := e.pool.Config(agentID)
	if err != nil {
		return "", err
	}
	if cfg.Port <= 0 {
		return "", apperrors.Conflict("agent '" + agentID + "' has no task port configured")
	}

	body, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/task", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", apperrors.ChildProcessError("task delivery to agent '"+agentID+"' failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.ChildProcessError(
			fmt.Sprintf("agent '%s' rejected task with status %d", agentID, resp.StatusCode), nil)
	}

	var parsed taskResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Agents that return plain text still count as a result.
		return string(data), nil
	}
	if parsed.Error != "" {
		return "", apperrors.ChildProcessError("agent '"+agentID+"' reported failure: "+parsed.Error, nil)
	}
	return parsed.Output, nil
}
