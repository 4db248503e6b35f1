package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
)

// EntryStatus tracks a mailbox entry through its lifecycle.
type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// legalEntryTransitions enumerates the allowed status edges. Terminal
// states are sticky: once completed or failed an entry never changes.
var legalEntryTransitions = map[EntryStatus][]EntryStatus{
	EntryPending:    {EntryProcessing, EntryCompleted, EntryFailed},
	EntryProcessing: {EntryCompleted, EntryFailed},
}

// Entry is the async result slot created for every send.
type Entry struct {
	ID         string      `json:"id"` // message id
	CallbackID string      `json:"callback_id,omitempty"`
	Target     string      `json:"target"`
	Status     EntryStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Result     *Result     `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Mailbox stores entries keyed by message id with a secondary callback-id
// index for idempotent lookup. Settled entries are evicted after a TTL.
type Mailbox struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	byCallback map[string]string // callback id -> message id
	ttl        time.Duration
	logger     *logger.Logger

	onUpdate func(*Entry) // broadcast hook, set by the hub
}

// NewMailbox creates a mailbox with the given TTL for settled entries.
func NewMailbox(ttl time.Duration, log *logger.Logger) *Mailbox {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mailbox{
		entries:    make(map[string]*Entry),
		byCallback: make(map[string]string),
		ttl:        ttl,
		logger:     log.WithFields(zap.String("component", "mailbox")),
	}
}

// Create inserts a pending entry. When callbackID already exists the
// original entry is returned so repeated sends are idempotent.
func (m *Mailbox) Create(messageID, callbackID, target string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if callbackID != "" {
		if existingID, ok := m.byCallback[callbackID]; ok {
			return m.entries[existingID], true
		}
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:         messageID,
		CallbackID: callbackID,
		Target:     target,
		Status:     EntryPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.entries[messageID] = entry
	if callbackID != "" {
		m.byCallback[callbackID] = messageID
	}
	return entry, false
}

// Transition moves an entry to a new status, attaching result or error.
// Illegal transitions (including any update after a terminal state) are
// rejected without mutating the entry.
func (m *Mailbox) Transition(messageID string, status EntryStatus, result *Result, errMsg string) error {
	m.mu.Lock()
	entry, ok := m.entries[messageID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("mailbox entry", messageID)
	}
	if !entryTransitionAllowed(entry.Status, status) {
		m.mu.Unlock()
		return apperrors.Conflict("mailbox entry '" + messageID + "' cannot move from " + string(entry.Status) + " to " + string(status))
	}
	entry.Status = status
	entry.Result = result
	entry.Error = errMsg
	entry.UpdatedAt = time.Now().UTC()
	snapshot := *entry
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(&snapshot)
	}
	return nil
}

// GetByMessageID returns the entry for a message id.
func (m *Mailbox) GetByMessageID(messageID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[messageID]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// GetByCallbackID returns the entry registered under a callback id.
func (m *Mailbox) GetByCallbackID(callbackID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messageID, ok := m.byCallback[callbackID]
	if !ok {
		return nil, false
	}
	entry, ok := m.entries[messageID]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// Evict removes settled entries older than the TTL and returns the count.
func (m *Mailbox) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, entry := range m.entries {
		if entry.Status != EntryCompleted && entry.Status != EntryFailed {
			continue
		}
		if now.Sub(entry.UpdatedAt) < m.ttl {
			continue
		}
		delete(m.entries, id)
		if entry.CallbackID != "" {
			delete(m.byCallback, entry.CallbackID)
		}
		evicted++
	}
	return evicted
}

// RunJanitor evicts expired entries on an hourly tick until ctx is done.
func (m *Mailbox) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Evict(now); n > 0 {
				m.logger.Debug("evicted expired mailbox entries", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of live entries.
func (m *Mailbox) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func entryTransitionAllowed(from, to EntryStatus) bool {
	for _, next := range legalEntryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewCallbackID returns a fresh callback id for callers that want
// idempotent retries without inventing their own keys.
func NewCallbackID() string {
	return "cb-" + uuid.New().String()
}
