package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
)

// Ask is a pending question from the orchestrator to the user, identified
// by a request id and a scope key.
type Ask struct {
	RequestID string         `json:"request_id"`
	Scope     InstructionKey `json:"scope"`
	Prompt    string         `json:"prompt"`
	CreatedAt time.Time      `json:"created_at"`

	answer chan string
}

// Answer blocks until the ask is resolved or the channel owner gives up.
func (a *Ask) Answer() <-chan string {
	return a.answer
}

// AskBus tracks pending asks per scope. Resolution targets the oldest
// pending ask for the scope, matching how user input is routed.
type AskBus struct {
	mu      sync.Mutex
	pending map[InstructionKey][]*Ask
	logger  *logger.Logger
}

// NewAskBus creates an empty ask bus.
func NewAskBus(log *logger.Logger) *AskBus {
	return &AskBus{
		pending: make(map[InstructionKey][]*Ask),
		logger:  log.WithFields(zap.String("component", "ask-bus")),
	}
}

// Create registers a pending ask and returns it. The caller receives the
// answer on Answer() when the user responds.
func (b *AskBus) Create(scope InstructionKey, prompt string) *Ask {
	ask := &Ask{
		RequestID: "ask-" + uuid.New().String(),
		Scope:     scope,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
		answer:    make(chan string, 1),
	}
	b.mu.Lock()
	b.pending[scope] = append(b.pending[scope], ask)
	b.mu.Unlock()

	b.logger.Debug("ask created",
		zap.String("request_id", ask.RequestID),
		zap.String("scope", string(scope.Scope)),
		zap.String("scope_id", scope.ID))
	return ask
}

// ResolveOldest answers the oldest pending ask for the scope. It returns
// the resolved request id, or false when no ask is pending.
func (b *AskBus) ResolveOldest(scope InstructionKey, input string) (string, bool) {
	b.mu.Lock()
	asks := b.pending[scope]
	if len(asks) == 0 {
		b.mu.Unlock()
		return "", false
	}
	ask := asks[0]
	if len(asks) == 1 {
		delete(b.pending, scope)
	} else {
		b.pending[scope] = asks[1:]
	}
	b.mu.Unlock()

	ask.answer <- input
	b.logger.Debug("ask resolved", zap.String("request_id", ask.RequestID))
	return ask.RequestID, true
}

// Discard drops pending asks for a scope without answering them.
func (b *AskBus) Discard(scope InstructionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ask := range b.pending[scope] {
		close(ask.answer)
	}
	delete(b.pending, scope)
}

// PendingCount returns the number of asks waiting under a scope.
func (b *AskBus) PendingCount(scope InstructionKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[scope])
}
