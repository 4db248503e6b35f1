package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-ai/covey/internal/common/config"
	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/db"
	"github.com/covey-ai/covey/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		GlobalMaxConcurrency:   4,
		DegradedMaxConcurrency: 1,
		ResourceUsageThreshold: 0.8,
		AgingRateMs:            50,
		SchedulingOverheadMs:   1000,
		EstimateMode:           EstimateStatic,
		AdaptiveHistoryWeight:  0.7,
	}
}

func setupScheduler(t *testing.T, cfg config.SchedulerConfig, resources int) (*Scheduler, *ResourcePool) {
	log := testLogger(t)
	pool := NewResourcePool()
	for i := 0; i < resources; i++ {
		require.NoError(t, pool.Add(Resource{
			ID:    "res-" + string(rune('a'+i)),
			Type:  "compute",
			Level: 1,
		}))
	}
	sched := New(cfg, pool, nil, bus.NewMemoryEventBus(log), log)
	return sched, pool
}

func TestEvaluateDeniesUnmetResource(t *testing.T) {
	sched, _ := setupScheduler(t, testConfig(), 2)

	decision := sched.EvaluateScheduling(context.Background(),
		Task{ID: "t1", Description: "run the tests"},
		[]Requirement{{Type: "gpu", MinLevel: 2}})
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyResourceUnmet, decision.Reason)
}

func TestEvaluateApprovesWithBenefit(t *testing.T) {
	sched, _ := setupScheduler(t, testConfig(), 3)

	decision := sched.EvaluateScheduling(context.Background(),
		Task{ID: "t1", Description: "run the tests"},
		[]Requirement{{Type: "compute"}})
	require.True(t, decision.Allowed)
	assert.Equal(t, "testing", decision.TaskType)
	assert.Equal(t, 8000, decision.EstimatedDurationMs)

	// base = 8000/(8000+1000); no scarce requirements (3 compute available).
	assert.InDelta(t, 8000.0/9000.0, decision.BenefitScore, 0.001)
	assert.False(t, decision.EstimatedStartTime.IsZero())
}

func TestBenefitPenalizesScarceRequirement(t *testing.T) {
	sched, _ := setupScheduler(t, testConfig(), 1) // exactly one match → scarce

	decision := sched.EvaluateScheduling(context.Background(),
		Task{ID: "t1", Description: "run the tests"},
		[]Requirement{{Type: "compute"}})
	require.True(t, decision.Allowed)
	assert.InDelta(t, 8000.0/9000.0-0.1, decision.BenefitScore, 0.001)
}

func TestConcurrencyCapDeniesAndQueues(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrency = 2
	sched, _ := setupScheduler(t, cfg, 10)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := sched.StartTask(ctx, Task{ID: id, Description: "work"}, []Requirement{{Type: "compute"}}, "s1", "w1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, sched.Status().ActiveTasks)

	decision := sched.EvaluateScheduling(ctx, Task{ID: "t3", Description: "work"}, nil)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "concurrency")

	// Denied task goes to the queue instead.
	require.NoError(t, sched.Enqueue(Task{ID: "t3", Description: "work", Priority: 5}, nil))
	assert.Equal(t, 1, sched.Status().QueuedTasks)

	// Completing a task frees a slot; the queued task becomes admissible.
	require.NoError(t, sched.CompleteTask(ctx, "t1", true))
	qt, adm := sched.DequeueAdmissible(ctx)
	require.NotNil(t, qt)
	assert.Equal(t, "t3", qt.TaskID)
	assert.True(t, adm.Allowed)
	assert.Equal(t, 0, sched.Status().QueuedTasks)
}

func TestPerTypeCap(t *testing.T) {
	sched, _ := setupScheduler(t, testConfig(), 10)
	sched.SetTypeCap("testing", 1)
	ctx := context.Background()

	_, err := sched.StartTask(ctx, Task{ID: "t1", Description: "test the parser"}, nil, "s1", "w1")
	require.NoError(t, err)

	decision := sched.EvaluateScheduling(ctx, Task{ID: "t2", Description: "test the lexer"}, nil)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "per-type")

	// A different type is unaffected.
	decision = sched.EvaluateScheduling(ctx, Task{ID: "t3", Description: "deploy the service"}, nil)
	assert.True(t, decision.Allowed)
}

func TestDegradedModeEntryAndExit(t *testing.T) {
	cfg := testConfig()
	cfg.PauseNewDispatches = true
	sched, _ := setupScheduler(t, cfg, 2)
	ctx := context.Background()

	// Occupy both resources: usage 1.0 > 0.8 threshold.
	_, err := sched.StartTask(ctx, Task{ID: "t1", Description: "work"},
		[]Requirement{{Type: "compute"}, {Type: "compute"}}, "s1", "w1")
	require.NoError(t, err)
	assert.True(t, sched.Status().Degraded)
	assert.Equal(t, cfg.DegradedMaxConcurrency, sched.Status().MaxConcurrent)

	// While degraded with pauseNewDispatches, everything is denied.
	decision := sched.EvaluateScheduling(ctx, Task{ID: "t2", Description: "more work"}, nil)
	assert.False(t, decision.Allowed)

	// Completion drops usage below the threshold and recovers.
	require.NoError(t, sched.CompleteTask(ctx, "t1", true))
	assert.False(t, sched.Status().Degraded)
}

func TestActiveNeverExceedsEffectiveMax(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrency = 3
	sched, _ := setupScheduler(t, cfg, 20)
	ctx := context.Background()

	started := 0
	for i := 0; i < 10; i++ {
		task := Task{ID: "t" + string(rune('0'+i)), Description: "work"}
		if sched.EvaluateScheduling(ctx, task, nil).Allowed {
			_, err := sched.StartTask(ctx, task, nil, "s1", "w1")
			require.NoError(t, err)
			started++
		}
		assert.LessOrEqual(t, sched.Status().ActiveTasks, cfg.GlobalMaxConcurrency)
	}
	assert.Equal(t, 3, started)
}

func TestStartTaskEnforcesCapAtomically(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrency = 1
	sched, _ := setupScheduler(t, cfg, 10)
	ctx := context.Background()

	_, err := sched.StartTask(ctx, Task{ID: "t1", Description: "work"}, nil, "s1", "w1")
	require.NoError(t, err)

	// Even without an EvaluateScheduling round-trip, a second start is
	// refused while the slot is held.
	_, err = sched.StartTask(ctx, Task{ID: "t2", Description: "work"}, nil, "s1", "w1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeResource))

	require.NoError(t, sched.CompleteTask(ctx, "t1", true))
	_, err = sched.StartTask(ctx, Task{ID: "t2", Description: "work"}, nil, "s1", "w1")
	require.NoError(t, err)
}

func TestBeginWaitsForSlotAndEndReleasesIt(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrency = 1
	sched, _ := setupScheduler(t, cfg, 0)
	ctx := context.Background()

	require.NoError(t, sched.Begin(ctx, "t1", "work", "s1", "w1"))
	assert.Equal(t, 1, sched.Status().ActiveTasks)

	admitted := make(chan struct{})
	go func() {
		if err := sched.Begin(ctx, "t2", "work", "s1", "w1"); err == nil {
			close(admitted)
		}
	}()

	// t2 must wait until t1's slot is released.
	select {
	case <-admitted:
		t.Fatal("second task admitted past the concurrency cap")
	case <-time.After(150 * time.Millisecond):
	}

	sched.End(ctx, "t1", true)
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("second task was never admitted after the slot freed")
	}

	sched.End(ctx, "t2", true)
	status := sched.Status()
	assert.Equal(t, 0, status.ActiveTasks)
	// t2 waited ~150ms for its slot; the recorded latency must show it.
	assert.Greater(t, status.AvgLatencyMs, int64(0))
}

func TestLatencyReflectsEnqueueTime(t *testing.T) {
	sched, _ := setupScheduler(t, testConfig(), 0)
	ctx := context.Background()

	task := Task{ID: "t1", Description: "work", EnqueuedAt: time.Now().UTC().Add(-200 * time.Millisecond)}
	_, err := sched.StartTask(ctx, task, nil, "s1", "w1")
	require.NoError(t, err)
	require.NoError(t, sched.CompleteTask(ctx, "t1", true))

	assert.GreaterOrEqual(t, sched.Status().AvgLatencyMs, int64(200))
}

func TestLoadResourceDecls(t *testing.T) {
	t.Run("missing file yields nothing", func(t *testing.T) {
		decls, err := LoadResourceDecls(filepath.Join(t.TempDir(), "resources.yaml"))
		require.NoError(t, err)
		assert.Nil(t, decls)
	})

	t.Run("parses declared resources", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "resources.yaml")
		content := "resources:\n  - id: gpu-1\n    type: gpu\n    level: 3\n  - id: cpu-1\n    type: compute\n    level: 1\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		decls, err := LoadResourceDecls(path)
		require.NoError(t, err)
		require.Len(t, decls, 2)
		assert.Equal(t, "gpu-1", decls[0].ID)
		assert.Equal(t, 3, decls[0].Level)

		pool := NewResourcePool()
		for _, decl := range decls {
			require.NoError(t, pool.Add(Resource{ID: decl.ID, Type: decl.Type, Level: decl.Level}))
		}
		_, allMet := pool.Match([]Requirement{{Type: "gpu", MinLevel: 2}})
		assert.True(t, allMet)
	})

	t.Run("invalid yaml rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "resources.yaml")
		require.NoError(t, os.WriteFile(path, []byte("resources: ["), 0o644))
		_, err := LoadResourceDecls(path)
		require.Error(t, err)
	})
}

func TestQueueAging(t *testing.T) {
	queue := NewTaskQueue(0, 20*time.Millisecond)

	require.NoError(t, queue.Enqueue("old-low", "low priority but old", 1, nil))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, queue.Enqueue("new-high", "fresh", 4, nil))

	// old-low has aged ~6 points: 1+6 > 4.
	qt := queue.Dequeue(nil)
	require.NotNil(t, qt)
	assert.Equal(t, "old-low", qt.TaskID)
	assert.Greater(t, qt.CurrentPriority, 4)

	qt = queue.Dequeue(nil)
	require.NotNil(t, qt)
	assert.Equal(t, "new-high", qt.TaskID)
	assert.Nil(t, queue.Dequeue(nil))
}

func TestQueueSkipsInadmissible(t *testing.T) {
	queue := NewTaskQueue(0, time.Second)
	require.NoError(t, queue.Enqueue("t1", "", 10, nil))
	require.NoError(t, queue.Enqueue("t2", "", 5, nil))

	qt := queue.Dequeue(func(candidate *QueuedTask) bool {
		return candidate.TaskID != "t1"
	})
	require.NotNil(t, qt)
	assert.Equal(t, "t2", qt.TaskID)

	// t1 stays queued, never evicted by time.
	assert.Equal(t, 1, queue.Len())
	require.Error(t, queue.Enqueue("t1", "", 10, nil))
	require.NoError(t, queue.Enqueue("t2", "", 5, nil))
}

func TestInferTaskType(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"run the integration tests", "testing"},
		{"review the auth changes", "review"},
		{"build the release binary", "build"},
		{"deploy to staging", "deploy"},
		{"analyze memory usage", "analysis"},
		{"implement the parser", "code_gen"},
		{"summarize yesterday's standup", "general"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferTaskType(tt.description), tt.description)
	}
}

func TestEstimatorModes(t *testing.T) {
	t.Run("static lookup", func(t *testing.T) {
		est := NewEstimator(EstimateStatic, 0.7, nil)
		assert.Equal(t, 15000, est.Estimate("code_gen"))
		assert.Equal(t, 5000, est.Estimate("unknown-type"))
	})

	t.Run("llm estimate is conservative", func(t *testing.T) {
		est := NewEstimator(EstimateLLM, 0.7, nil)
		assert.Equal(t, llmEstimateMs, est.Estimate("code_gen"))
	})

	t.Run("adaptive needs three samples", func(t *testing.T) {
		stats := &fakeStats{avg: 4000, samples: 2}
		est := NewEstimator(EstimateAdaptive, 0.7, stats)
		assert.Equal(t, 15000, est.Estimate("code_gen")) // static fallback

		stats.samples = 3
		want := int(0.7*4000 + 0.3*15000)
		assert.Equal(t, want, est.Estimate("code_gen"))
	})
}

type fakeStats struct {
	avg     float64
	samples int
}

func (f *fakeStats) Stats(string) (float64, int, bool) {
	return f.avg, f.samples, f.samples > 0
}

func TestTaskHistoryPersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "scheduler.db")

	pool, err := db.OpenSQLitePool(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	history, err := NewTaskHistory(ctx, pool, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, history.Record(ctx, "testing", 2*time.Second, true))
	require.NoError(t, history.Record(ctx, "testing", 4*time.Second, false))

	avg, samples, ok := history.Stats("testing")
	require.True(t, ok)
	assert.Equal(t, 2, samples)
	assert.InDelta(t, 3000, avg, 1)

	rate, ok := history.SuccessRate("testing")
	require.True(t, ok)
	assert.InDelta(t, 0.5, rate, 0.001)

	// A fresh store reads the same stats back from the table.
	fresh, err := NewTaskHistory(ctx, pool, testLogger(t))
	require.NoError(t, err)
	avg, samples, ok = fresh.Stats("testing")
	require.True(t, ok)
	assert.Equal(t, 2, samples)
	assert.InDelta(t, 3000, avg, 1)

	_, _, ok = fresh.Stats("unknown")
	assert.False(t, ok)
}
