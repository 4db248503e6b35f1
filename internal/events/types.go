// Package events provides event types and utilities for the covey event system.
package events

// Event types for hub mailbox updates
const (
	MessageUpdate = "hub.message.update" // Mailbox entry changed state
)

// Event types for workflows
const (
	WorkflowUpdate = "workflow.update" // Status, FSM state, task/agent updates
)

// Event types for agents
const (
	AgentUpdate    = "agent.update"    // Status, FSM state, load
	AgentLifecycle = "agent.lifecycle" // Base subject for lifecycle events
)

// Event types for sessions
const (
	SessionPaused  = "session.paused"
	SessionResumed = "session.resumed"
)

// Event types for scheduler decisions
const (
	SchedulerDegraded  = "scheduler.degraded"
	SchedulerRecovered = "scheduler.recovered"
)

// BuildWorkflowUpdateSubject creates a workflow update subject for a specific workflow
func BuildWorkflowUpdateSubject(workflowID string) string {
	return WorkflowUpdate + "." + workflowID
}

// BuildWorkflowUpdateWildcardSubject creates a wildcard subscription for all workflow updates
func BuildWorkflowUpdateWildcardSubject() string {
	return WorkflowUpdate + ".*"
}

// BuildAgentUpdateSubject creates an agent update subject for a specific agent
func BuildAgentUpdateSubject(agentID string) string {
	return AgentUpdate + "." + agentID
}

// BuildAgentUpdateWildcardSubject creates a wildcard subscription for all agent updates
func BuildAgentUpdateWildcardSubject() string {
	return AgentUpdate + ".*"
}

// BuildAgentLifecycleSubject creates a lifecycle subject for a specific agent
func BuildAgentLifecycleSubject(agentID string) string {
	return AgentLifecycle + "." + agentID
}

// BuildAgentLifecycleWildcardSubject creates a wildcard subscription for all lifecycle events
func BuildAgentLifecycleWildcardSubject() string {
	return AgentLifecycle + ".*"
}

// BuildMessageUpdateSubject creates a mailbox update subject for a specific message
func BuildMessageUpdateSubject(messageID string) string {
	return MessageUpdate + "." + messageID
}

// BuildMessageUpdateWildcardSubject creates a wildcard subscription for all mailbox updates
func BuildMessageUpdateWildcardSubject() string {
	return MessageUpdate + ".*"
}
