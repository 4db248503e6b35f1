package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

// Store owns sessions. Writes to a given session are serialized through a
// per-session lock; reads across sessions run concurrently against cached
// state. State is persisted under
// <dataDir>/sessions/<project>/<sessionId>/session-state.json.
type Store struct {
	dataDir  string
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewStore creates a session store rooted at dataDir.
func NewStore(dataDir string, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		dataDir:  dataDir,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-store")),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create makes a new root session for a project.
func (s *Store) Create(ctx context.Context, projectPath string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:             "sess-" + uuid.New().String(),
		ProjectPath:    projectPath,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Context:        make(map[string]any),
	}
	sess.RootSessionID = sess.ID

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.locks[sess.ID] = &sync.Mutex{}
	s.mu.Unlock()

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("project_path", projectPath))
	return s.snapshot(sess.ID)
}

// CreateChild makes a sub-session owned by a dispatched agent. The root
// session id is inherited from the parent.
func (s *Store) CreateChild(ctx context.Context, parentID, ownerAgentID string) (*Session, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	child := &Session{
		ID:              "sess-" + uuid.New().String(),
		ProjectPath:     parent.ProjectPath,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccessedAt:  now,
		Context:         make(map[string]any),
		RootSessionID:   parent.RootSessionID,
		ParentSessionID: parent.ID,
		OwnerAgentID:    ownerAgentID,
	}

	s.mu.Lock()
	s.sessions[child.ID] = child
	s.locks[child.ID] = &sync.Mutex{}
	s.mu.Unlock()

	if err := s.persist(child); err != nil {
		return nil, err
	}
	s.logger.Info("child session created",
		zap.String("session_id", child.ID),
		zap.String("parent_session_id", parent.ID),
		zap.String("owner_agent_id", ownerAgentID))
	return s.snapshot(child.ID)
}

// Get returns a snapshot of the session, loading it from disk on a cache
// miss.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		if err := s.loadFromDisk(id); err != nil {
			return nil, err
		}
	}
	return s.snapshot(id)
}

// Touch bumps the last-accessed timestamp.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.update(id, func(sess *Session) error {
		sess.LastAccessedAt = time.Now().UTC()
		return nil
	})
}

// AppendMessage appends to the session's bounded message log.
func (s *Store) AppendMessage(ctx context.Context, id string, msg Message) error {
	if msg.ID == "" {
		msg.ID = "smsg-" + uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SessionID = id
	return s.update(id, func(sess *Session) error {
		sess.appendMessage(msg)
		return nil
	})
}

// Compress replaces the conversation prefix with a summary, keeping the
// last retainTail messages.
func (s *Store) Compress(ctx context.Context, id, summaryText string, retainTail int) error {
	if retainTail < 0 {
		retainTail = 0
	}
	return s.update(id, func(sess *Session) error {
		if retainTail < len(sess.Messages) {
			sess.Messages = append([]Message(nil), sess.Messages[len(sess.Messages)-retainTail:]...)
		}
		sess.Summary = &Summary{Text: summaryText, RetainedTail: retainTail}
		return nil
	})
}

// SetStatus pauses or resumes the session, publishing the matching event.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if status != StatusActive && status != StatusPaused {
		return apperrors.ValidationError("status", "must be one of: active, paused")
	}
	var changed bool
	err := s.update(id, func(sess *Session) error {
		changed = sess.Status != status
		sess.Status = status
		return nil
	})
	if err != nil || !changed {
		return err
	}

	eventType := events.SessionResumed
	if status == StatusPaused {
		eventType = events.SessionPaused
	}
	s.publish(ctx, eventType, map[string]any{"sessionId": id, "status": string(status)})
	return nil
}

// SetContext stores a key in the session context map.
func (s *Store) SetContext(ctx context.Context, id, key string, value any) error {
	return s.update(id, func(sess *Session) error {
		if sess.Context == nil {
			sess.Context = make(map[string]any)
		}
		sess.Context[key] = value
		return nil
	})
}

// AttachWorkflow records an active workflow on the session.
func (s *Store) AttachWorkflow(ctx context.Context, id, workflowID string) error {
	return s.update(id, func(sess *Session) error {
		if sess.hasWorkflow(workflowID) {
			return nil
		}
		sess.ActiveWorkflows = append(sess.ActiveWorkflows, workflowID)
		return nil
	})
}

// DetachWorkflow removes a workflow from the session's active set.
func (s *Store) DetachWorkflow(ctx context.Context, id, workflowID string) error {
	return s.update(id, func(sess *Session) error {
		for i, wf := range sess.ActiveWorkflows {
			if wf == workflowID {
				sess.ActiveWorkflows = append(sess.ActiveWorkflows[:i], sess.ActiveWorkflows[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// update applies fn under the per-session lock, bumps UpdatedAt, and
// persists the result.
func (s *Store) update(id string, fn func(*Session) error) error {
	lock, err := s.lockFor(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("session", id)
	}

	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.persist(sess)
}

func (s *Store) lockFor(id string) (*sync.Mutex, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if ok {
		return lock, nil
	}
	// Session may exist on disk without being cached yet.
	if err := s.loadFromDisk(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok = s.locks[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return lock, nil
}

func (s *Store) snapshot(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	clone := *sess
	clone.Messages = append([]Message(nil), sess.Messages...)
	clone.ActiveWorkflows = append([]string(nil), sess.ActiveWorkflows...)
	return &clone, nil
}

// sessionDir returns sessions/<project>/<sessionId> under the data dir.
func (s *Store) sessionDir(sess *Session) string {
	return filepath.Join(s.dataDir, "sessions", ProjectKey(sess.ProjectPath), sess.ID)
}

// persist writes session-state.json atomically via tmp+rename.
func (s *Store) persist(sess *Session) error {
	dir := s.sessionDir(sess)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.InternalError("failed to create session directory", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperrors.InternalError("failed to marshal session state", err)
	}
	path := filepath.Join(dir, "session-state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.InternalError("failed to write session state", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.InternalError("failed to replace session state", err)
	}
	return nil
}

// loadFromDisk scans project directories for the session id and caches it.
func (s *Store) loadFromDisk(id string) error {
	root := filepath.Join(s.dataDir, "sessions")
	projects, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("session", id)
		}
		return apperrors.InternalError("failed to scan sessions directory", err)
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		path := filepath.Join(root, project.Name(), id, "session-state.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return apperrors.InternalError(fmt.Sprintf("corrupt session state at %s", path), err)
		}
		s.mu.Lock()
		s.sessions[sess.ID] = &sess
		if _, ok := s.locks[sess.ID]; !ok {
			s.locks[sess.ID] = &sync.Mutex{}
		}
		s.mu.Unlock()
		return nil
	}
	return apperrors.NotFound("session", id)
}

func (s *Store) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-store", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// ProjectKey sanitizes a project path into a directory-safe key.
func ProjectKey(projectPath string) string {
	base := filepath.Base(strings.TrimRight(projectPath, "/"))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "default"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
