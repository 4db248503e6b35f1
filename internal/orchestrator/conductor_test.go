package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-ai/covey/internal/agent"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events/bus"
	"github.com/covey-ai/covey/internal/react"
	"github.com/covey-ai/covey/internal/session"
	"github.com/covey-ai/covey/internal/workflow"
)

type okChecker struct{}

func (okChecker) Check(_ context.Context, _ string, _ int, _ time.Duration) error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// scriptedPlanner replays canned replies in order, repeating the last
// one, and records every prompt it saw.
type scriptedPlanner struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (p *scriptedPlanner) Plan(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if len(p.replies) == 0 {
		return "", nil
	}
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return reply, nil
}

func (p *scriptedPlanner) promptAt(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.prompts) {
		return ""
	}
	return p.prompts[i]
}

type scriptedReviewer struct {
	mu      sync.Mutex
	replies []string
}

func (r *scriptedReviewer) Review(_ context.Context, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return "", nil
	}
	reply := r.replies[0]
	if len(r.replies) > 1 {
		r.replies = r.replies[1:]
	}
	return reply, nil
}

// scriptedExecutor records every dispatched task and answers with run,
// or a canned evidence-bearing reply when run is nil.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []agent.DispatchTask
	run   func(task agent.DispatchTask) (string, error)
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string, task agent.DispatchTask) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, task)
	e.mu.Unlock()
	if e.run != nil {
		return e.run(task)
	}
	return "executed the task", nil
}

func (e *scriptedExecutor) recorded() []agent.DispatchTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]agent.DispatchTask(nil), e.calls...)
}

func shellAgent(id string) agent.Config {
	return agent.Config{
		ID:               id,
		Name:             id,
		Command:          "/bin/sh",
		Args:             []string{"-c", "sleep 60"},
		MaxRestarts:      2,
		RestartBackoffMs: 50,
	}
}

func setupConductor(t *testing.T, planner react.Planner, reviewer react.Reviewer, executor agent.Executor, cfg Config) (*Conductor, *workflow.Manager, string) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	sessions := session.NewStore(t.TempDir(), eventBus, log)

	pool, err := agent.NewPool(t.TempDir(), eventBus, okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, shellAgent("worker")))
	require.NoError(t, pool.Start(ctx, "worker"))

	dispatcher := agent.NewDispatcher(pool, sessions, nil, executor, log)
	workflows := workflow.NewManager(sessions, eventBus, workflow.NewInstructionBus(log), workflow.NewAskBus(log), log)

	conductor := New(workflows, dispatcher, pool, planner, reviewer, cfg, log)
	t.Cleanup(conductor.Shutdown)

	sess, err := sessions.Create(ctx, "/proj")
	require.NoError(t, err)
	return conductor, workflows, sess.ID
}

func TestConductorRunsWorkflowToCompletion(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"the user wants a report",
		`{"tasks": [{"id": "t1", "description": "write the report", "agentId": "", "blockedBy": []}]}`,
		`{"thought": "hand it to the agent", "action": "DELEGATE", "params": {"instructions": "write the report"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "report written"}}`,
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, nil, executor,
		Config{MaxReplans: 1, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "write the report")
	require.NoError(t, err)

	require.NoError(t, conductor.Run(ctx, wf.ID))

	state, err := workflows.State(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)

	task, err := workflows.Task(wf.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskDone, task.State)
	require.NotNil(t, task.Result)
	assert.Equal(t, "report written", task.Result.Output)

	calls := executor.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].TaskID)
	assert.Equal(t, wf.ID, calls[0].WorkflowID)
	assert.Equal(t, "write the report", calls[0].Description)
}

func TestConductorExecutesDependenciesInOrder(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"two ordered steps",
		`{"tasks": [
			{"id": "t1", "description": "first step", "agentId": "", "blockedBy": []},
			{"id": "t2", "description": "second step", "agentId": "", "blockedBy": ["t1"]}
		]}`,
		`{"thought": "start", "action": "DELEGATE", "params": {"instructions": "do the first step"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "first step finished"}}`,
		`{"thought": "continue", "action": "DELEGATE", "params": {"instructions": "do the second step"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "second step finished"}}`,
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, nil, executor,
		Config{MaxReplans: 1, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "do two steps")
	require.NoError(t, err)
	require.NoError(t, conductor.Run(ctx, wf.ID))

	state, err := workflows.State(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)

	calls := executor.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0].TaskID)
	assert.Equal(t, "t2", calls[1].TaskID)
}

func TestConductorReplansWhenReviewFails(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"analysis",
		`{"tasks": [{"id": "t1", "description": "draft the change", "agentId": "", "blockedBy": []}]}`,
		`{"thought": "go", "action": "DELEGATE", "params": {"instructions": "draft the change"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "change drafted"}}`,
		`{"tasks": [{"id": "t1", "description": "draft the change with tests", "agentId": "", "blockedBy": []}]}`,
		`{"thought": "go", "action": "DELEGATE", "params": {"instructions": "draft the change with tests"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "change drafted with tests"}}`,
	}}
	reviewer := &scriptedReviewer{replies: []string{
		`{"passed": false, "feedback": "missing tests"}`,
		`{"passed": true, "feedback": "ok"}`,
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, reviewer, executor,
		Config{MaxReplans: 2, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "draft the change")
	require.NoError(t, err)
	require.NoError(t, conductor.Run(ctx, wf.ID))

	state, err := workflows.State(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, state)

	// The replanning prompt carries the reviewer's feedback forward.
	assert.Contains(t, planner.promptAt(4), "missing tests")

	got, err := workflows.Get(wf.ID)
	require.NoError(t, err)
	assert.Contains(t, got.PhaseHistory, string(workflow.StateReplanEvaluation))
}

func TestConductorFailsOnUnusablePlan(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"analysis",
		"I cannot produce a plan right now",
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, nil, executor,
		Config{MaxReplans: 1, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "do something")
	require.NoError(t, err)
	require.NoError(t, conductor.Run(ctx, wf.ID))

	state, err := workflows.State(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateFailed, state)

	got, err := workflows.Get(wf.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "planning failed")
	assert.Empty(t, executor.recorded())
}

func TestConductorNudgesPromiseOnlyReply(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"analysis",
		`{"tasks": [{"id": "t1", "description": "modify the config", "agentId": "", "blockedBy": []}]}`,
		`{"thought": "reply", "action": "COMPLETE", "params": {"summary": "I will take care of that shortly"}}`,
		`{"thought": "actually do it", "action": "DELEGATE", "params": {"instructions": "change the config value now"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "updated the config value"}}`,
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, nil, executor,
		Config{MaxReplans: 1, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "modify the config")
	require.NoError(t, err)
	require.NoError(t, conductor.Run(ctx, wf.ID))

	// The promise-only first run triggers a continuation rerun whose
	// prompt carries the nudge instruction.
	assert.Contains(t, planner.promptAt(3), "SYSTEM-CONTINUATION")
	require.Len(t, executor.recorded(), 1)

	task, err := workflows.Task(wf.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskDone, task.State)
	require.NotNil(t, task.Result)
	assert.Equal(t, "updated the config value", task.Result.Output)
}

func TestConductorStartDrivesInBackground(t *testing.T) {
	planner := &scriptedPlanner{replies: []string{
		"analysis",
		`{"tasks": [{"id": "t1", "description": "write notes", "agentId": "", "blockedBy": []}]}`,
		`{"thought": "go", "action": "DELEGATE", "params": {"instructions": "write the notes"}}`,
		`{"thought": "done", "action": "COMPLETE", "params": {"summary": "notes written"}}`,
	}}
	executor := &scriptedExecutor{}
	conductor, workflows, sessID := setupConductor(t, planner, nil, executor,
		Config{MaxReplans: 1, TaskWaitMs: 5000})

	ctx := context.Background()
	wf, err := workflows.Create(ctx, sessID, "write notes")
	require.NoError(t, err)

	conductor.Start(wf.ID)

	require.Eventually(t, func() bool {
		state, err := workflows.State(wf.ID)
		return err == nil && state == workflow.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
