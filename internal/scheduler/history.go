package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/db"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS task_history (
	task_type         TEXT PRIMARY KEY,
	total_duration_ms INTEGER NOT NULL DEFAULT 0,
	sample_count      INTEGER NOT NULL DEFAULT 0,
	success_count     INTEGER NOT NULL DEFAULT 0,
	updated_at        TIMESTAMP NOT NULL
)`

type historyRow struct {
	TaskType        string    `db:"task_type"`
	TotalDurationMs int64     `db:"total_duration_ms"`
	SampleCount     int       `db:"sample_count"`
	SuccessCount    int       `db:"success_count"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// TaskHistory persists per-type completion statistics so adaptive
// estimates survive restarts. A small cache sits in front of the table;
// the database is only read on cache misses.
type TaskHistory struct {
	pool   *db.Pool
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]historyRow
}

// NewTaskHistory opens the history store over an existing database
// pool, creating the table when absent.
func NewTaskHistory(ctx context.Context, pool *db.Pool, log *logger.Logger) (*TaskHistory, error) {
	if _, err := pool.Writer().ExecContext(ctx, historySchema); err != nil {
		return nil, apperrors.InternalError("failed to create task_history table", err)
	}
	return &TaskHistory{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "task-history")),
		cache:  make(map[string]historyRow),
	}, nil
}

// Record folds one completion into the type's statistics.
func (h *TaskHistory) Record(ctx context.Context, taskType string, duration time.Duration, success bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	row, err := h.load(ctx, taskType)
	if err != nil {
		return err
	}
	row.TaskType = taskType
	row.TotalDurationMs += duration.Milliseconds()
	row.SampleCount++
	if success {
		row.SuccessCount++
	}
	row.UpdatedAt = time.Now().UTC()

	const upsert = `
		INSERT INTO task_history (task_type, total_duration_ms, sample_count, success_count, updated_at)
		VALUES (:task_type, :total_duration_ms, :sample_count, :success_count, :updated_at)
		ON CONFLICT (task_type) DO UPDATE SET
			total_duration_ms = excluded.total_duration_ms,
			sample_count      = excluded.sample_count,
			success_count     = excluded.success_count,
			updated_at        = excluded.updated_at`
	if _, err := h.pool.Writer().NamedExecContext(ctx, upsert, row); err != nil {
		return apperrors.InternalError("failed to record task history", err)
	}
	h.cache[taskType] = row
	return nil
}

// Stats implements HistoryStats for the adaptive estimator.
func (h *TaskHistory) Stats(taskType string) (float64, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	row, err := h.load(context.Background(), taskType)
	if err != nil {
		h.logger.Warn("task history lookup failed", zap.String("task_type", taskType), zap.Error(err))
		return 0, 0, false
	}
	if row.SampleCount == 0 {
		return 0, 0, false
	}
	return float64(row.TotalDurationMs) / float64(row.SampleCount), row.SampleCount, true
}

// SuccessRate returns the fraction of successful completions for a
// type, or false when no samples exist.
func (h *TaskHistory) SuccessRate(taskType string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	row, err := h.load(context.Background(), taskType)
	if err != nil || row.SampleCount == 0 {
		return 0, false
	}
	return float64(row.SuccessCount) / float64(row.SampleCount), true
}

// load returns the cached row, falling back to the database. Caller
// holds the lock.
func (h *TaskHistory) load(ctx context.Context, taskType string) (historyRow, error) {
	if row, ok := h.cache[taskType]; ok {
		return row, nil
	}
	var row historyRow
	query := h.pool.Reader().Rebind(
		`SELECT task_type, total_duration_ms, sample_count, success_count, updated_at
		 FROM task_history WHERE task_type = ?`)
	err := h.pool.Reader().GetContext(ctx, &row, query, taskType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return historyRow{}, nil
		}
		return historyRow{}, apperrors.InternalError("failed to read task history", err)
	}
	h.cache[taskType] = row
	return row, nil
}
