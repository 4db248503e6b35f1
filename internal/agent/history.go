package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
)

// historyRetain is the tail length kept in the history file.
const historyRetain = 1000

// History entry kinds.
const (
	HistoryRegister          = "register"
	HistoryStart             = "start"
	HistoryStop              = "stop"
	HistoryRestart           = "restart"
	HistoryCrash             = "crash"
	HistoryHealthCheckFailed = "health_check_failed"
)

// HistoryEntry is one lifecycle record in the agent history log.
type HistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
}

// HistoryStore appends lifecycle entries to agent-history.json as JSONL
// and rewrites the file keeping the newest 1000 entries when it grows
// past the cap.
type HistoryStore struct {
	mu     sync.Mutex
	path   string
	count  int
	logger *logger.Logger
}

// NewHistoryStore opens (or creates) the history log under dataDir.
func NewHistoryStore(dataDir string, log *logger.Logger) (*HistoryStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.InternalError("failed to create agent data dir", err)
	}
	store := &HistoryStore{
		path:   filepath.Join(dataDir, "agent-history.json"),
		logger: log.WithFields(zap.String("component", "agent-history")),
	}
	entries, err := store.readAll()
	if err != nil {
		return nil, err
	}
	store.count = len(entries)
	return store, nil
}

// Append records one entry, trimming the file to the newest 1000.
func (s *HistoryStore) Append(entry HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return apperrors.InternalError("failed to encode history entry", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.InternalError("failed to open agent history", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return apperrors.InternalError("failed to write agent history", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.InternalError("failed to close agent history", err)
	}
	s.count++

	if s.count > historyRetain {
		return s.rewriteTail()
	}
	return nil
}

// Tail returns the newest n entries, oldest first.
func (s *HistoryStore) Tail(n int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// rewriteTail rewrites the file keeping only the newest entries. Caller
// holds the lock.
func (s *HistoryStore) rewriteTail() error {
	entries, err := s.readAll()
	if err != nil {
		return err
	}
	if len(entries) > historyRetain {
		entries = entries[len(entries)-historyRetain:]
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.InternalError("failed to rewrite agent history", err)
	}
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			_ = f.Close()
			return apperrors.InternalError("failed to encode history entry", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return apperrors.InternalError("failed to rewrite agent history", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return apperrors.InternalError("failed to flush agent history", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.InternalError("failed to close agent history", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperrors.InternalError("failed to replace agent history", err)
	}
	s.count = len(entries)
	return nil
}

func (s *HistoryStore) readAll() ([]HistoryEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.InternalError("failed to read agent history", err)
	}
	defer func() { _ = f.Close() }()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Skip corrupt lines rather than losing the whole log.
			s.logger.Warn("skipping corrupt history line", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.InternalError("failed to scan agent history", err)
	}
	return entries, nil
}
