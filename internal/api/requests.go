// Package api provides the REST control surface for the covey daemon.
package api

import "time"

// SendMessageRequest posts a message into the hub. Target may be empty,
// in which case the routing table resolves the destination from the
// message type.
type SendMessageRequest struct {
	Target     string         `json:"target,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Type       string         `json:"type,omitempty"`
	Content    string         `json:"content" binding:"required"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Blocking   bool           `json:"blocking"`
	CallbackID string         `json:"callback_id,omitempty"`
	TimeoutMs  int            `json:"timeout_ms,omitempty"`
}

// RegisterModuleRequest registers an external agent module with the hub.
// Messages routed to it are forwarded to the agent pool as dispatches.
type RegisterModuleRequest struct {
	ID           string         `json:"id" binding:"required"`
	Path         string         `json:"path,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateWorkflowRequest starts a workflow for a session.
type CreateWorkflowRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Task      string `json:"task" binding:"required"`
}

// WorkflowInputRequest delivers user input to a running workflow.
type WorkflowInputRequest struct {
	Input string `json:"input" binding:"required"`
}

// WorkflowInputResponse reports how the input was consumed: resolving a
// pending question, or queued as an instruction for the next loop turn.
type WorkflowInputResponse struct {
	WorkflowID string `json:"workflow_id"`
	RequestID  string `json:"request_id,omitempty"`
	Queued     bool   `json:"queued"`
}

// DispatchAgentRequest asks the pool to run a task on a target agent.
type DispatchAgentRequest struct {
	SourceAgentID  string `json:"source_agent_id,omitempty"`
	SessionID      string `json:"session_id" binding:"required"`
	TargetAgentID  string `json:"target_agent_id" binding:"required"`
	TaskID         string `json:"task_id,omitempty"`
	WorkflowID     string `json:"workflow_id,omitempty"`
	Description    string `json:"description" binding:"required"`
	Blocking       bool   `json:"blocking"`
	QueueOnBusy    bool   `json:"queue_on_busy"`
	MaxQueueWaitMs int    `json:"max_queue_wait_ms,omitempty"`
}

// AgentResponse is one agent instance in a listing.
type AgentResponse struct {
	AgentID       string     `json:"agent_id"`
	InstanceID    string     `json:"instance_id"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	RestartCount  int        `json:"restart_count"`
	CurrentLoad   int        `json:"current_load"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// AgentListResponse for the agent listing endpoint.
type AgentListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}
