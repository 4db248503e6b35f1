package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
)

// InstructionScope names the key space a runtime instruction targets.
type InstructionScope string

const (
	ScopeAgent    InstructionScope = "agent"
	ScopeWorkflow InstructionScope = "workflow"
	ScopeEpic     InstructionScope = "epic"
	ScopeSession  InstructionScope = "session"
)

// InstructionKey addresses one mailbox slot.
type InstructionKey struct {
	Scope InstructionScope
	ID    string
}

// Instruction is one out-of-band user message awaiting consumption.
type Instruction struct {
	Text     string    `json:"text"`
	PushedAt time.Time `json:"pushed_at"`
}

// InstructionBus is the keyed mailbox for runtime instructions. Push
// appends; Consume drains exactly once and is idempotent on empty keys.
// Instructions are best-effort and in-memory, like queued user messages.
type InstructionBus struct {
	mu      sync.Mutex
	pending map[InstructionKey][]Instruction
	logger  *logger.Logger
}

// NewInstructionBus creates an empty instruction bus.
func NewInstructionBus(log *logger.Logger) *InstructionBus {
	return &InstructionBus{
		pending: make(map[InstructionKey][]Instruction),
		logger:  log.WithFields(zap.String("component", "instruction-bus")),
	}
}

// Push appends an instruction under the key.
func (b *InstructionBus) Push(key InstructionKey, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = append(b.pending[key], Instruction{Text: text, PushedAt: time.Now().UTC()})
	b.logger.Debug("runtime instruction queued",
		zap.String("scope", string(key.Scope)),
		zap.String("scope_id", key.ID))
}

// Consume drains and returns the instructions for a key. An empty key
// yields nil; consuming twice yields nil the second time.
func (b *InstructionBus) Consume(key InstructionKey) []Instruction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[key]
	if len(out) == 0 {
		return nil
	}
	delete(b.pending, key)
	return out
}

// ConsumeFor drains every key scoping the given identifiers, in
// agent/workflow/epic/session order, and returns the instruction texts.
// It satisfies the react loop's instruction source.
func (b *InstructionBus) ConsumeFor(agentID, workflowID, epicID, sessionID string) []string {
	keys := []InstructionKey{
		{Scope: ScopeAgent, ID: agentID},
		{Scope: ScopeWorkflow, ID: workflowID},
		{Scope: ScopeEpic, ID: epicID},
		{Scope: ScopeSession, ID: sessionID},
	}
	var texts []string
	for _, key := range keys {
		if key.ID == "" {
			continue
		}
		for _, inst := range b.Consume(key) {
			texts = append(texts, inst.Text)
		}
	}
	return texts
}

// Discard drops unconsumed instructions for a key. Called when the owning
// workflow reaches a terminal state.
func (b *InstructionBus) Discard(key InstructionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, key)
}

// PendingCount returns the number of instructions waiting under a key.
func (b *InstructionBus) PendingCount(key InstructionKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[key])
}
