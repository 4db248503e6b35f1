// Package hub implements the in-process message hub: module registry,
// priority routing, and a mailbox providing request/response semantics on
// top of fire-and-forget dispatch.
package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ModuleKind classifies a registered module.
type ModuleKind string

const (
	KindInput  ModuleKind = "input"
	KindOutput ModuleKind = "output"
	KindAgent  ModuleKind = "agent"
)

// Message is the unit routed between modules.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Role        string         `json:"role,omitempty"` // user, assistant, system, orchestrator
	Type        string         `json:"type,omitempty"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Attachment is an opaque payload carried alongside message content.
type Attachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// Result is what a module handler produces.
type Result struct {
	Data any `json:"data,omitempty"`
}

// Completion is invoked by output handlers that finish asynchronously.
type Completion func(*Result, error)

// InputHandler runs when a message is routed to an input module.
type InputHandler func(ctx context.Context, msg *Message) (*Result, error)

// OutputHandler runs when a message is routed to an output module. The
// completion callback may be nil for fire-and-forget delivery.
type OutputHandler func(ctx context.Context, msg *Message, done Completion) (*Result, error)

// Descriptor registers a module with the hub. Exactly one of Input or
// Output must be set, matching Kind.
type Descriptor struct {
	Kind         ModuleKind
	ID           string
	Path         string // optional source path, used for idempotent re-registration
	Capabilities []string
	Metadata     map[string]any
	Input        InputHandler
	Output       OutputHandler
}

// Module is the registered form of a descriptor.
type Module struct {
	ID           string         `json:"id"`
	Kind         ModuleKind     `json:"kind"`
	Path         string         `json:"path,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`

	input  InputHandler
	output OutputHandler
}

// messageCounter breaks timestamp ties so message ids remain a total order
// within the process.
var messageCounter atomic.Int64

// NewMessageID returns a process-monotone message id.
func NewMessageID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), messageCounter.Add(1))
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(sessionID, role, content string) *Message {
	return &Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
