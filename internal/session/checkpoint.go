package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// checkpointRetain is how many checkpoints are kept per session; older
// files are pruned on save.
const checkpointRetain = 10

// TaskProgress records a task's outcome inside a checkpoint.
type TaskProgress struct {
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Checkpoint is an immutable workflow snapshot persisted as JSON under
// sessions/<project>/<sessionId>/checkpoints/<checkpointId>.json.
type Checkpoint struct {
	CheckpointID     string            `json:"checkpoint_id"`
	SessionID        string            `json:"session_id"`
	WorkflowID       string            `json:"workflow_id"`
	Timestamp        time.Time         `json:"timestamp"`
	OriginalTask     string            `json:"original_task"`
	TaskProgress     []TaskProgress    `json:"task_progress"`
	CompletedTaskIDs []string          `json:"completed_task_ids"`
	FailedTaskIDs    []string          `json:"failed_task_ids"`
	PendingTaskIDs   []string          `json:"pending_task_ids"`
	AgentStates      map[string]string `json:"agent_states,omitempty"`
	PhaseHistory     []string          `json:"phase_history,omitempty"`
}

// NewCheckpointID returns a fresh checkpoint id.
func NewCheckpointID() string {
	return "ckpt-" + uuid.New().String()
}

// SaveCheckpoint persists a checkpoint and prunes beyond the newest ten.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = NewCheckpointID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	sess, err := s.Get(ctx, cp.SessionID)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.sessionDir(sess), "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.InternalError("failed to create checkpoints directory", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return apperrors.InternalError("failed to marshal checkpoint", err)
	}
	path := filepath.Join(dir, cp.CheckpointID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.InternalError("failed to write checkpoint", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.InternalError("failed to replace checkpoint", err)
	}

	s.pruneCheckpoints(dir)
	s.logger.Debug("checkpoint saved",
		zap.String("session_id", cp.SessionID),
		zap.String("checkpoint_id", cp.CheckpointID))
	return nil
}

// ListCheckpoints returns the session's checkpoints newest-first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.sessionDir(sess), "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.InternalError("failed to list checkpoints", err)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.logger.Warn("skipping corrupt checkpoint",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		checkpoints = append(checkpoints, &cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.After(checkpoints[j].Timestamp)
	})
	return checkpoints, nil
}

// LoadCheckpoint reads one checkpoint by id.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.sessionDir(sess), "checkpoints", checkpointID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("checkpoint", checkpointID)
		}
		return nil, apperrors.InternalError("failed to read checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, apperrors.InternalError("corrupt checkpoint "+checkpointID, err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the newest checkpoint, or NotFound when none
// exist.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	checkpoints, err := s.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, apperrors.NotFound("checkpoint for session", sessionID)
	}
	return checkpoints[0], nil
}

// pruneCheckpoints removes all but the newest checkpointRetain files.
func (s *Store) pruneCheckpoints(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fileAge struct {
		name string
		mod  time.Time
	}
	var files []fileAge
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{name: entry.Name(), mod: info.ModTime()})
	}
	if len(files) <= checkpointRetain {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	for _, old := range files[checkpointRetain:] {
		if err := os.Remove(filepath.Join(dir, old.name)); err != nil {
			s.logger.Warn("failed to prune checkpoint",
				zap.String("file", old.name),
				zap.Error(err))
		}
	}
}
