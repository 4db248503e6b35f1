package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-ai/covey/internal/common/config"
	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/events/bus"
	"github.com/covey-ai/covey/internal/scheduler"
	"github.com/covey-ai/covey/internal/session"
)

type fakeExecutor struct {
	delay  time.Duration
	output string
}

func (e *fakeExecutor) Execute(_ context.Context, _ string, _ DispatchTask) (string, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.output, nil
}

type denyAdmission struct{ err error }

func (a denyAdmission) Admit(_ context.Context, _, _ string) error { return a.err }

func (a denyAdmission) Begin(_ context.Context, _, _, _, _ string) error { return a.err }

func (a denyAdmission) End(_ context.Context, _ string, _ bool) {}

func setupDispatcher(t *testing.T, executor Executor) (*Dispatcher, *Pool, string) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	pool, err := NewPool(t.TempDir(), eventBus, okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	sessions := session.NewStore(t.TempDir(), eventBus, log)
	sess, err := sessions.Create(context.Background(), "/proj")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, shellConfig("target", "sleep 60")))
	require.NoError(t, pool.Start(ctx, "target"))

	return NewDispatcher(pool, sessions, nil, executor, log), pool, sess.ID
}

func TestDispatchUnknownTarget(t *testing.T) {
	dispatcher, _, sessID := setupDispatcher(t, &fakeExecutor{output: "ok"})

	_, err := dispatcher.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID: "main",
		SessionID:     sessID,
		TargetAgentID: "ghost",
		TaskID:        "task-1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDispatchBlockingReturnsOutput(t *testing.T) {
	dispatcher, _, sessID := setupDispatcher(t, &fakeExecutor{output: "analysis complete"})

	result, err := dispatcher.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID:  "main",
		SessionID:      sessID,
		TargetAgentID:  "target",
		TaskID:         "task-1",
		Description:    "analyze the logs",
		Blocking:       true,
		MaxQueueWaitMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, "analysis complete", result.Output)
	assert.False(t, result.Queued)
	assert.NotEmpty(t, result.SubSessionID)
	assert.NotEqual(t, sessID, result.SubSessionID)
}

func TestDispatchCreatesSubSession(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	pool, err := NewPool(t.TempDir(), eventBus, okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	sessions := session.NewStore(t.TempDir(), eventBus, log)

	ctx := context.Background()
	parent, err := sessions.Create(ctx, "/proj")
	require.NoError(t, err)
	require.NoError(t, pool.Register(ctx, shellConfig("target", "sleep 60")))
	require.NoError(t, pool.Start(ctx, "target"))

	dispatcher := NewDispatcher(pool, sessions, nil, &fakeExecutor{output: "done"}, log)
	result, err := dispatcher.Dispatch(ctx, DispatchRequest{
		SourceAgentID:  "main",
		SessionID:      parent.ID,
		TargetAgentID:  "target",
		TaskID:         "task-1",
		Blocking:       true,
		MaxQueueWaitMs: 2000,
	})
	require.NoError(t, err)

	sub, err := sessions.Get(ctx, result.SubSessionID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, sub.ParentSessionID)
	assert.Equal(t, parent.RootSessionID, sub.RootSessionID)
	assert.Equal(t, "target", sub.OwnerAgentID)
}

func TestDispatchBlockingTimesOut(t *testing.T) {
	dispatcher, _, sessID := setupDispatcher(t, &fakeExecutor{delay: 3 * time.Second})

	start := time.Now()
	_, err := dispatcher.Dispatch(context.Background(), DispatchRequest{
		SourceAgentID:  "main",
		SessionID:      sessID,
		TargetAgentID:  "target",
		TaskID:         "task-slow",
		Blocking:       true,
		MaxQueueWaitMs: 10, // floors to 1s
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2500*time.Millisecond)
}

func TestDispatchBusyWithoutQueueing(t *testing.T) {
	dispatcher, pool, sessID := setupDispatcher(t, &fakeExecutor{output: "ok"})
	ctx := context.Background()

	require.NoError(t, pool.SetBusy(ctx, "target", "other-task"))

	_, err := dispatcher.Dispatch(ctx, DispatchRequest{
		SourceAgentID: "main",
		SessionID:     sessID,
		TargetAgentID: "target",
		TaskID:        "task-2",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "target_busy")

	// With queueOnBusy the dispatch is accepted.
	result, err := dispatcher.Dispatch(ctx, DispatchRequest{
		SourceAgentID: "main",
		SessionID:     sessID,
		TargetAgentID: "target",
		TaskID:        "task-3",
		QueueOnBusy:   true,
	})
	require.NoError(t, err)
	assert.True(t, result.Queued)
}

func TestDispatchAdmissionDenied(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	pool, err := NewPool(t.TempDir(), eventBus, okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	sessions := session.NewStore(t.TempDir(), eventBus, log)

	ctx := context.Background()
	sess, err := sessions.Create(ctx, "/proj")
	require.NoError(t, err)
	require.NoError(t, pool.Register(ctx, shellConfig("target", "sleep 60")))
	require.NoError(t, pool.Start(ctx, "target"))

	denied := apperrors.ResourceError("no capacity")
	dispatcher := NewDispatcher(pool, sessions, denyAdmission{err: denied}, &fakeExecutor{}, log)

	_, err = dispatcher.Dispatch(ctx, DispatchRequest{
		SourceAgentID: "main",
		SessionID:     sess.ID,
		TargetAgentID: "target",
		TaskID:        "task-1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeResource))
}

type gaugedExecutor struct {
	mu      sync.Mutex
	current int
	peak    int
	hold    time.Duration
}

func (e *gaugedExecutor) Execute(_ context.Context, _ string, _ DispatchTask) (string, error) {
	e.mu.Lock()
	e.current++
	if e.current > e.peak {
		e.peak = e.current
	}
	e.mu.Unlock()

	time.Sleep(e.hold)

	e.mu.Lock()
	e.current--
	e.mu.Unlock()
	return "done", nil
}

func TestDispatchRespectsSchedulerConcurrencyCap(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	pool, err := NewPool(t.TempDir(), eventBus, okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	sessions := session.NewStore(t.TempDir(), eventBus, log)

	ctx := context.Background()
	sess, err := sessions.Create(ctx, "/proj")
	require.NoError(t, err)
	for _, id := range []string{"alpha", "beta"} {
		require.NoError(t, pool.Register(ctx, shellConfig(id, "sleep 60")))
		require.NoError(t, pool.Start(ctx, id))
	}

	sched := scheduler.New(config.SchedulerConfig{
		GlobalMaxConcurrency:   1,
		DegradedMaxConcurrency: 1,
		ResourceUsageThreshold: 0.8,
		AgingRateMs:            50,
		SchedulingOverheadMs:   500,
		EstimateMode:           scheduler.EstimateStatic,
	}, scheduler.NewResourcePool(), nil, eventBus, log)

	executor := &gaugedExecutor{hold: 200 * time.Millisecond}
	dispatcher := NewDispatcher(pool, sessions, sched, executor, log)

	// Two agents, one slot: the second execution must wait for the first
	// to release it even though each agent has its own worker.
	var wg sync.WaitGroup
	for _, target := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := dispatcher.Dispatch(ctx, DispatchRequest{
				SourceAgentID:  "main",
				SessionID:      sess.ID,
				TargetAgentID:  target,
				TaskID:         "task-" + target,
				Description:    "work",
				Blocking:       true,
				QueueOnBusy:    true,
				MaxQueueWaitMs: 5000,
			})
			assert.NoError(t, err)
		}(target)
	}
	wg.Wait()

	executor.mu.Lock()
	peak := executor.peak
	executor.mu.Unlock()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 0, sched.Status().ActiveTasks)
}

func TestControlActions(t *testing.T) {
	dispatcher, pool, sessID := setupDispatcher(t, &fakeExecutor{output: "ok"})
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		resp, err := dispatcher.Control(ctx, ControlRequest{Action: ControlStatus, TargetAgentID: "target"})
		require.NoError(t, err)
		require.NotNil(t, resp.Status)
		assert.Equal(t, "target", resp.Status.AgentID)
	})

	t.Run("pause and resume session", func(t *testing.T) {
		_, err := dispatcher.Control(ctx, ControlRequest{
			Action:        ControlPause,
			TargetAgentID: "target",
			SessionID:     sessID,
		})
		require.NoError(t, err)

		_, err = dispatcher.Control(ctx, ControlRequest{
			Action:        ControlResume,
			TargetAgentID: "target",
			SessionID:     sessID,
		})
		require.NoError(t, err)
	})

	t.Run("cancel releases busy agent", func(t *testing.T) {
		require.NoError(t, pool.SetBusy(ctx, "target", "task-x"))
		_, err := dispatcher.Control(ctx, ControlRequest{Action: ControlCancel, TargetAgentID: "target"})
		require.NoError(t, err)
		got, err := pool.Get("target")
		require.NoError(t, err)
		assert.Equal(t, LifecycleIdle, got.State)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := dispatcher.Control(ctx, ControlRequest{Action: "reboot", TargetAgentID: "target"})
		require.Error(t, err)
	})
}
