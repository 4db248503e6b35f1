package session

import (
	"context"
	"encoding/json"
	"fmt"
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

func setupStore(t *testing.T) *Store {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewStore(t.TempDir(), bus.NewMemoryEventBus(log), log)
}

func TestCreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "/home/dev/myproject")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, sess.ID, sess.RootSessionID)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "/home/dev/myproject", got.ProjectPath)
}

func TestGetUnknownSession(t *testing.T) {
	store := setupStore(t)
	_, err := store.Get(context.Background(), "sess-missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestPersistenceRoundTrip(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	dir := t.TempDir()
	ctx := context.Background()

	store := NewStore(dir, bus.NewMemoryEventBus(log), log)
	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, sess.ID, Message{Role: "user", Content: "hello"}))

	// A fresh store must load the session from disk.
	fresh := NewStore(dir, bus.NewMemoryEventBus(log), log)
	got, err := fresh.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestAppendMessage(t *testing.T) {
	t.Run("messages stay in non-decreasing timestamp order", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		sess, err := store.Create(ctx, "/proj")
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendMessage(ctx, sess.ID, Message{Role: "user", Content: fmt.Sprintf("m%d", i)}))
		}

		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		for i := 1; i < len(got.Messages); i++ {
			assert.False(t, got.Messages[i].Timestamp.Before(got.Messages[i-1].Timestamp))
		}
	})

	t.Run("log at exactly 100 drops the oldest on overflow", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		sess, err := store.Create(ctx, "/proj")
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			require.NoError(t, store.AppendMessage(ctx, sess.ID, Message{Role: "user", Content: fmt.Sprintf("m%d", i)}))
		}
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 100)
		assert.Equal(t, "m0", got.Messages[0].Content)

		require.NoError(t, store.AppendMessage(ctx, sess.ID, Message{Role: "user", Content: "overflow"}))
		got, err = store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 100)
		assert.Equal(t, "m1", got.Messages[0].Content)
		assert.Equal(t, "overflow", got.Messages[99].Content)
	})
}

func TestCompress(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessage(ctx, sess.ID, Message{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, store.Compress(ctx, sess.ID, "summary of first seven", 3))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "m7", got.Messages[0].Content)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "summary of first seven", got.Summary.Text)
	assert.Equal(t, 3, got.Summary.RetainedTail)
}

func TestSetStatusPublishesEvents(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	store := NewStore(t.TempDir(), eventBus, log)
	ctx := context.Background()

	paused := make(chan string, 1)
	_, err = eventBus.Subscribe("session.paused", func(ctx context.Context, e *bus.Event) error {
		paused <- e.Data["sessionId"].(string)
		return nil
	})
	require.NoError(t, err)

	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, sess.ID, StatusPaused))

	select {
	case id := <-paused:
		assert.Equal(t, sess.ID, id)
	case <-time.After(time.Second):
		t.Fatal("expected session.paused event")
	}

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
}

func TestChildSessions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	root, err := store.Create(ctx, "/proj")
	require.NoError(t, err)
	child, err := store.CreateChild(ctx, root.ID, "agent-7")
	require.NoError(t, err)

	assert.Equal(t, root.ID, child.ParentSessionID)
	assert.Equal(t, root.ID, child.RootSessionID)
	assert.Equal(t, "agent-7", child.OwnerAgentID)

	grandchild, err := store.CreateChild(ctx, child.ID, "agent-8")
	require.NoError(t, err)
	assert.Equal(t, child.ID, grandchild.ParentSessionID)
	assert.Equal(t, root.ID, grandchild.RootSessionID)
}

func TestWorkflowAttachment(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)

	require.NoError(t, store.AttachWorkflow(ctx, sess.ID, "wf-1"))
	require.NoError(t, store.AttachWorkflow(ctx, sess.ID, "wf-1")) // idempotent
	require.NoError(t, store.AttachWorkflow(ctx, sess.ID, "wf-2"))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, got.ActiveWorkflows)

	require.NoError(t, store.DetachWorkflow(ctx, sess.ID, "wf-1"))
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-2"}, got.ActiveWorkflows)
}

func TestCheckpoints(t *testing.T) {
	t.Run("round-trips identical content", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		sess, err := store.Create(ctx, "/proj")
		require.NoError(t, err)

		cp := &Checkpoint{
			SessionID:        sess.ID,
			WorkflowID:       "wf-1",
			OriginalTask:     "refactor the parser",
			TaskProgress:     []TaskProgress{{TaskID: "t-1", Description: "split lexer", State: "done"}},
			CompletedTaskIDs: []string{"t-1"},
			PendingTaskIDs:   []string{"t-2"},
			AgentStates:      map[string]string{"agent-1": "IDLE"},
			PhaseHistory:     []string{"plan_loop", "execution"},
		}
		require.NoError(t, store.SaveCheckpoint(ctx, cp))

		loaded, err := store.LoadCheckpoint(ctx, sess.ID, cp.CheckpointID)
		require.NoError(t, err)

		want, err := json.Marshal(cp)
		require.NoError(t, err)
		got, err := json.Marshal(loaded)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(got))
	})

	t.Run("retains only the newest ten", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		sess, err := store.Create(ctx, "/proj")
		require.NoError(t, err)

		for i := 0; i < 13; i++ {
			cp := &Checkpoint{
				SessionID:    sess.ID,
				WorkflowID:   "wf-1",
				OriginalTask: fmt.Sprintf("task %d", i),
				Timestamp:    time.Now().UTC().Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, store.SaveCheckpoint(ctx, cp))
		}

		dir := filepath.Join(store.dataDir, "sessions", ProjectKey("/proj"), sess.ID, "checkpoints")
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 10)

		list, err := store.ListCheckpoints(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, list, 10)
		assert.Equal(t, "task 12", list[0].OriginalTask)
	})

	t.Run("latest returns newest", func(t *testing.T) {
		store := setupStore(t)
		ctx := context.Background()
		sess, err := store.Create(ctx, "/proj")
		require.NoError(t, err)

		_, err = store.LatestCheckpoint(ctx, sess.ID)
		assert.True(t, apperrors.IsNotFound(err))

		older := &Checkpoint{SessionID: sess.ID, OriginalTask: "old", Timestamp: time.Now().UTC().Add(-time.Minute)}
		newer := &Checkpoint{SessionID: sess.ID, OriginalTask: "new", Timestamp: time.Now().UTC()}
		require.NoError(t, store.SaveCheckpoint(ctx, older))
		require.NoError(t, store.SaveCheckpoint(ctx, newer))

		latest, err := store.LatestCheckpoint(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "new", latest.OriginalTask)
	})
}

func TestLoopLogger(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	dir := t.TempDir()
	ll := NewLoopLogger(dir, log)

	require.NoError(t, ll.Append("sess-1", map[string]any{"round": 1, "action": "READ_FILE"}))
	require.NoError(t, ll.Append("sess-1", map[string]any{"round": 2, "action": "COMPLETE"}))

	data, err := os.ReadFile(filepath.Join(dir, "logs", "sess-1.jsonl"))
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestProjectKey(t *testing.T) {
	assert.Equal(t, "myproject", ProjectKey("/home/dev/myproject"))
	assert.Equal(t, "my-project-1", ProjectKey("/srv/my-project-1/"))
	assert.Equal(t, "default", ProjectKey("/"))
	assert.Equal(t, "we-rd-name", ProjectKey("/tmp/we%rd name"))
}
