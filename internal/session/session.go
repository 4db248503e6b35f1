// Package session owns long-lived conversation state: the session tree,
// bounded message logs, workflow checkpoints, and per-session loop logs,
// all persisted under the daemon data directory.
package session

import (
	"time"
)

// Status of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// maxMessages bounds the per-session message log; the oldest message is
// dropped on overflow.
const maxMessages = 100

// Message is one entry in a session's message log.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        string       `json:"role"` // user, assistant, system, orchestrator
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	WorkflowID  string       `json:"workflow_id,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
}

// Attachment is an opaque payload carried with a message.
type Attachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// Summary holds the compressed prefix of a long conversation together with
// the retained tail of recent messages.
type Summary struct {
	Text         string `json:"text"`
	RetainedTail int    `json:"retained_tail"`
}

// Session is the persisted conversation state. Sessions form a tree:
// dispatched agents own child sessions linked by ParentSessionID, with
// RootSessionID inherited from the root of the tree.
type Session struct {
	ID              string         `json:"id"`
	ProjectPath     string         `json:"project_path"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastAccessedAt  time.Time      `json:"last_accessed_at"`
	Messages        []Message      `json:"messages"`
	Summary         *Summary       `json:"summary,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	ActiveWorkflows []string       `json:"active_workflows,omitempty"`
	RootSessionID   string         `json:"root_session_id"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	OwnerAgentID    string         `json:"owner_agent_id,omitempty"`
}

// AppendMessage appends to the bounded log, dropping the oldest entry once
// the cap is reached.
func (s *Session) appendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	if len(s.Messages) > maxMessages {
		s.Messages = s.Messages[len(s.Messages)-maxMessages:]
	}
}

// hasWorkflow reports whether the workflow id is attached.
func (s *Session) hasWorkflow(workflowID string) bool {
	for _, id := range s.ActiveWorkflows {
		if id == workflowID {
			return true
		}
	}
	return false
}
