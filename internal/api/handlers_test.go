package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-ai/covey/internal/agent"
	"github.com/covey-ai/covey/internal/common/config"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events/bus"
	"github.com/covey-ai/covey/internal/hub"
	"github.com/covey-ai/covey/internal/scheduler"
	"github.com/covey-ai/covey/internal/session"
	"github.com/covey-ai/covey/internal/workflow"
)

type testEnv struct {
	router    *gin.Engine
	hub       *hub.Hub
	sessions  *session.Store
	workflows *workflow.Manager
	pool      *agent.Pool
	handler   *Handler
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func setupAPI(t *testing.T) *testEnv {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	dataDir := t.TempDir()

	sessions := session.NewStore(dataDir, eventBus, log)
	messageHub := hub.New(hub.Config{}, eventBus, log)
	workflows := workflow.NewManager(sessions, eventBus,
		workflow.NewInstructionBus(log), workflow.NewAskBus(log), log)

	pool, err := agent.NewPool(dataDir, eventBus, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	dispatcher := agent.NewDispatcher(pool, sessions, nil, nil, log)

	sched := scheduler.New(config.SchedulerConfig{
		GlobalMaxConcurrency:   4,
		DegradedMaxConcurrency: 1,
		ResourceUsageThreshold: 0.8,
	}, scheduler.NewResourcePool(), nil, eventBus, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(messageHub, workflows, dispatcher, pool, sched, log)
	SetupRoutes(router.Group("/api/v1"), handler)

	return &testEnv{
		router:    router,
		hub:       messageHub,
		sessions:  sessions,
		workflows: workflows,
		pool:      pool,
		handler:   handler,
	}
}

func doJSON(t *testing.T, env *testEnv, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestSendMessageBlocking(t *testing.T) {
	env := setupAPI(t)
	_, err := env.hub.RegisterOutput("echo", func(_ context.Context, msg *hub.Message, _ hub.Completion) (*hub.Result, error) {
		return &hub.Result{Data: "echo: " + msg.Content}, nil
	})
	require.NoError(t, err)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/messages", SendMessageRequest{
		Target:   "echo",
		Content:  "hello",
		Blocking: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result hub.SendResult
	decode(t, rec, &result)
	assert.NotEmpty(t, result.MessageID)
	require.NotNil(t, result.Result)
	assert.Equal(t, "echo: hello", result.Result.Data)
}

func TestSendMessageValidation(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/messages", map[string]any{"target": "echo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageUnknownTarget(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/messages", SendMessageRequest{
		Target:  "missing",
		Content: "hello",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessageMailboxEntry(t *testing.T) {
	env := setupAPI(t)
	_, err := env.hub.RegisterOutput("sink", func(_ context.Context, _ *hub.Message, _ hub.Completion) (*hub.Result, error) {
		return &hub.Result{}, nil
	})
	require.NoError(t, err)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/messages", SendMessageRequest{
		Target:   "sink",
		Content:  "work",
		Blocking: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result hub.SendResult
	decode(t, rec, &result)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/messages/"+result.MessageID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/messages/msg-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterModuleConflict(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/modules", RegisterModuleRequest{ID: "researcher"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/modules", RegisterModuleRequest{ID: "researcher"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/modules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Total int `json:"total"`
	}
	decode(t, rec, &listing)
	assert.Equal(t, 1, listing.Total)
}

func TestRegisterModuleIdempotentByPath(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/modules", RegisterModuleRequest{
		ID:   "coder",
		Path: "/agents/coder",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/modules", RegisterModuleRequest{
		ID:   "coder-2",
		Path: "/agents/coder",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result hub.RegisterResult
	decode(t, rec, &result)
	assert.True(t, result.AlreadyRegistered)
	assert.Equal(t, "coder", result.ID)
}

func TestWorkflowEndpoints(t *testing.T) {
	env := setupAPI(t)
	sess, err := env.sessions.Create(context.Background(), t.TempDir())
	require.NoError(t, err)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		SessionID: sess.ID,
		Task:      "build the report",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf workflow.Workflow
	decode(t, rec, &wf)
	require.NotEmpty(t, wf.ID)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/workflows/wf-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type recordingRunner struct {
	mu      sync.Mutex
	started []string
}

func (r *recordingRunner) Start(workflowID string) {
	r.mu.Lock()
	r.started = append(r.started, workflowID)
	r.mu.Unlock()
}

func (r *recordingRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func TestWorkflowLifecycleStartsRunner(t *testing.T) {
	env := setupAPI(t)
	runner := &recordingRunner{}
	env.handler.SetRunner(runner)

	sess, err := env.sessions.Create(context.Background(), t.TempDir())
	require.NoError(t, err)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		SessionID: sess.ID,
		Task:      "build the report",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf workflow.Workflow
	decode(t, rec, &wf)
	assert.Equal(t, []string{wf.ID}, runner.startedIDs())

	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{wf.ID, wf.ID}, runner.startedIDs())
}

func TestWorkflowInputQueuesWithoutPendingAsk(t *testing.T) {
	env := setupAPI(t)
	sess, err := env.sessions.Create(context.Background(), t.TempDir())
	require.NoError(t, err)

	rec := doJSON(t, env, http.MethodPost, "/api/v1/workflows", CreateWorkflowRequest{
		SessionID: sess.ID,
		Task:      "investigate",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf workflow.Workflow
	decode(t, rec, &wf)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/input", WorkflowInputRequest{
		Input: "prefer the staging environment",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp WorkflowInputResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Queued)
	assert.Empty(t, resp.RequestID)
}

func TestAgentEndpoints(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing AgentListResponse
	decode(t, rec, &listing)
	assert.Equal(t, 0, listing.Total)

	rec = doJSON(t, env, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, env, http.MethodPost, "/api/v1/agents/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.pool.Register(context.Background(), agent.Config{
		ID:      "worker-1",
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 60"},
	}))

	rec = doJSON(t, env, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listing)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "worker-1", listing.Agents[0].AgentID)
	assert.Equal(t, string(agent.LifecycleRegistered), listing.Agents[0].State)

	// Dispatch to a registered but not running agent is a conflict.
	rec = doJSON(t, env, http.MethodPost, "/api/v1/agents/dispatch", DispatchAgentRequest{
		SessionID:     "sess-1",
		TargetAgentID: "worker-1",
		Description:   "do work",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	env := setupAPI(t)

	rec := doJSON(t, env, http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status scheduler.Status
	decode(t, rec, &status)
	assert.Equal(t, 4, status.MaxConcurrent)
	assert.False(t, status.Degraded)
}
