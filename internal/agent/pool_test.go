package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events/bus"
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

func setupPool(t *testing.T) *Pool {
	log := testLogger(t)
	pool, err := NewPool(t.TempDir(), bus.NewMemoryEventBus(log), okChecker{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	return pool
}

func shellConfig(id, script string) Config {
	return Config{
		ID:               id,
		Name:             id,
		Command:          "/bin/sh",
		Args:             []string{"-c", script},
		MaxRestarts:      2,
		RestartBackoffMs: 50,
	}
}

func TestRegisterValidation(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Register(ctx, shellConfig("worker", "sleep 60")))

	err := pool.Register(ctx, shellConfig("worker", "sleep 60"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	err = pool.Register(ctx, Config{Command: "/bin/sh"})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))

	instance, err := pool.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, LifecycleRegistered, instance.State)
	assert.NotEmpty(t, instance.ID)
	assert.NotEqual(t, "worker", instance.ID)
}

func TestConfigDefaultsAndBackoff(t *testing.T) {
	cfg := Config{ID: "a", Command: "/bin/true"}.withDefaults()
	assert.Equal(t, ModeAuto, cfg.Mode)
	assert.Equal(t, 5, cfg.MaxRestarts)
	assert.Equal(t, 1000, cfg.RestartBackoffMs)
	assert.Equal(t, 60000, cfg.HeartbeatTimeoutMs)

	cfg.RestartBackoffMs = 100
	assert.Equal(t, 100*time.Millisecond, cfg.restartBackoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.restartBackoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.restartBackoff(2))
	assert.Equal(t, maxRestartBackoff, cfg.restartBackoff(20))
}

func TestLoadConfigs(t *testing.T) {
	t.Run("missing file yields nothing", func(t *testing.T) {
		configs, err := LoadConfigs(filepath.Join(t.TempDir(), "agents.json"))
		require.NoError(t, err)
		assert.Nil(t, configs)
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id":"w1","command":"/bin/sh"}]`), 0o644))
		configs, err := LoadConfigs(path)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, 5, configs[0].MaxRestarts)
	})

	t.Run("invalid entry rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id":"w1"}]`), 0o644))
		_, err := LoadConfigs(path)
		require.Error(t, err)
	})
}

func TestStartStopLifecycle(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Register(ctx, shellConfig("worker", "sleep 60")))
	require.NoError(t, pool.Start(ctx, "worker"))

	instance, err := pool.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, LifecycleRunning, instance.State)
	assert.NotZero(t, instance.PID)

	require.NoError(t, pool.Stop(ctx, "worker", "test teardown"))
	require.Eventually(t, func() bool {
		got, err := pool.Get("worker")
		return err == nil && got.State == LifecycleStopped
	}, 10*time.Second, 20*time.Millisecond)

	entries, err := pool.History().Tail(0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, entry := range entries {
		kinds = append(kinds, entry.Kind)
	}
	assert.Contains(t, kinds, HistoryRegister)
	assert.Contains(t, kinds, HistoryStart)
	assert.Contains(t, kinds, HistoryStop)
}

func TestCleanExitIsTerminal(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	cfg := shellConfig("clean", "exit 0")
	cfg.AutoRestart = true
	require.NoError(t, pool.Register(ctx, cfg))
	require.NoError(t, pool.Start(ctx, "clean"))

	require.Eventually(t, func() bool {
		got, err := pool.Get("clean")
		return err == nil && got.State == LifecycleStopped
	}, 5*time.Second, 20*time.Millisecond)

	// A clean exit never triggers auto-restart.
	time.Sleep(200 * time.Millisecond)
	got, err := pool.Get("clean")
	require.NoError(t, err)
	assert.Equal(t, LifecycleStopped, got.State)
	assert.Equal(t, 0, got.RestartCount)
}

func TestCrashRestartWithBackoff(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	cfg := shellConfig("crashy", "exit 137")
	cfg.AutoRestart = true
	cfg.MaxRestarts = 2
	cfg.RestartBackoffMs = 100
	require.NoError(t, pool.Register(ctx, cfg))
	require.NoError(t, pool.Start(ctx, "crashy"))

	// Crashes burn through the restart budget and land in FAILED.
	require.Eventually(t, func() bool {
		got, err := pool.Get("crashy")
		return err == nil && got.State == LifecycleFailed && got.FailureReason == "max_restarts_exceeded"
	}, 15*time.Second, 50*time.Millisecond)

	got, err := pool.Get("crashy")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RestartCount)

	entries, err := pool.History().Tail(0)
	require.NoError(t, err)
	var crashes, restarts int
	for _, entry := range entries {
		switch entry.Kind {
		case HistoryCrash:
			if entry.ExitCode != nil {
				assert.Equal(t, 137, *entry.ExitCode)
			}
			crashes++
		case HistoryRestart:
			restarts++
		}
	}
	assert.GreaterOrEqual(t, crashes, 2)
	assert.Equal(t, 2, restarts)
}

func TestCrashWithoutAutoRestartFails(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	cfg := shellConfig("fragile", "exit 1")
	cfg.AutoRestart = false
	require.NoError(t, pool.Register(ctx, cfg))
	require.NoError(t, pool.Start(ctx, "fragile"))

	// The failure reason must say restarts were disabled, not that the
	// restart budget ran out.
	require.Eventually(t, func() bool {
		got, err := pool.Get("fragile")
		return err == nil && got.State == LifecycleFailed && got.FailureReason == "auto_restart_disabled"
	}, 5*time.Second, 20*time.Millisecond)

	got, err := pool.Get("fragile")
	require.NoError(t, err)
	assert.Equal(t, 0, got.RestartCount)
}

func TestStopReturnsBeforeGracePeriod(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Register(ctx, shellConfig("prompt-exit", "sleep 60")))
	require.NoError(t, pool.Start(ctx, "prompt-exit"))

	// sleep dies on SIGTERM immediately, so Stop must not sit out the
	// full SIGKILL grace period.
	start := time.Now()
	require.NoError(t, pool.Stop(ctx, "prompt-exit", "test teardown"))
	assert.Less(t, time.Since(start), stopGracePeriod)

	require.Eventually(t, func() bool {
		got, err := pool.Get("prompt-exit")
		return err == nil && got.State == LifecycleStopped
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHeartbeatTimeoutRecorded(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	cfg := shellConfig("silent", "sleep 60")
	cfg.HealthCheckIntervalMs = 30
	cfg.HeartbeatTimeoutMs = 1 // stale immediately
	require.NoError(t, pool.Register(ctx, cfg))
	require.NoError(t, pool.Start(ctx, "silent"))

	require.Eventually(t, func() bool {
		entries, err := pool.History().Tail(0)
		if err != nil {
			return false
		}
		for _, entry := range entries {
			if entry.Kind == HistoryHealthCheckFailed && entry.Reason == "heartbeat_timeout" {
				return true
			}
		}
		return false
	}, 5*time.Second, 30*time.Millisecond)

	// Refreshing the heartbeat is accepted while running.
	require.NoError(t, pool.UpdateHeartbeat("silent"))
}

func TestHistoryTailRetention(t *testing.T) {
	store, err := NewHistoryStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	for i := 0; i < historyRetain+25; i++ {
		require.NoError(t, store.Append(HistoryEntry{AgentID: "a", Kind: HistoryStart}))
	}
	entries, err := store.Tail(0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), historyRetain)
}
