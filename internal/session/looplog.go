package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
)

// LoopLogger appends per-round loop records to logs/<sessionId>.jsonl.
// Appends to the same session file are serialized; distinct sessions write
// concurrently.
type LoopLogger struct {
	dir    string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLoopLogger creates a loop logger rooted at <dataDir>/logs.
func NewLoopLogger(dataDir string, log *logger.Logger) *LoopLogger {
	return &LoopLogger{
		dir:    filepath.Join(dataDir, "logs"),
		logger: log.WithFields(zap.String("component", "loop-log")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Append writes one JSONL record for the session.
func (l *LoopLogger) Append(sessionID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apperrors.InternalError("failed to marshal loop record", err)
	}

	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return apperrors.InternalError("failed to create logs directory", err)
	}
	path := filepath.Join(l.dir, sessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.InternalError("failed to open loop log", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return apperrors.InternalError("failed to append loop record", err)
	}
	return nil
}

func (l *LoopLogger) lockFor(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}
