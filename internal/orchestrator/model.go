package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/covey-ai/covey/internal/agent"
)

// AgentPlanner satisfies react.Planner by dispatching each prompt to a
// dedicated planner agent as a blocking task in its own session.
type AgentPlanner struct {
	dispatcher *agent.Dispatcher
	agentID    string
	sessionID  string
	waitMs     int
}

// NewAgentPlanner creates a planner backed by the given agent.
func NewAgentPlanner(dispatcher *agent.Dispatcher, agentID, sessionID string, waitMs int) *AgentPlanner {
	return &AgentPlanner{dispatcher: dispatcher, agentID: agentID, sessionID: sessionID, waitMs: waitMs}
}

// Plan sends the prompt to the planner agent and returns its reply.
func (p *AgentPlanner) Plan(ctx context.Context, prompt string) (string, error) {
	return modelTurn(ctx, p.dispatcher, p.agentID, p.sessionID, "plan-"+uuid.New().String(), prompt, p.waitMs)
}

// AgentReviewer satisfies react.Reviewer the same way AgentPlanner
// satisfies react.Planner.
type AgentReviewer struct {
	dispatcher *agent.Dispatcher
	agentID    string
	sessionID  string
	waitMs     int
}

// NewAgentReviewer creates a reviewer backed by the given agent.
func NewAgentReviewer(dispatcher *agent.Dispatcher, agentID, sessionID string, waitMs int) *AgentReviewer {
	return &AgentReviewer{dispatcher: dispatcher, agentID: agentID, sessionID: sessionID, waitMs: waitMs}
}

// Review sends the prompt to the reviewer agent and returns its reply.
func (r *AgentReviewer) Review(ctx context.Context, prompt string) (string, error) {
	return modelTurn(ctx, r.dispatcher, r.agentID, r.sessionID, "review-"+uuid.New().String(), prompt, r.waitMs)
}

func modelTurn(ctx context.Context, dispatcher *agent.Dispatcher, agentID, sessionID, taskID, prompt string, waitMs int) (string, error) {
	result, err := dispatcher.Dispatch(ctx, agent.DispatchRequest{
		SourceAgentID:  conductorAgentID,
		SessionID:      sessionID,
		TargetAgentID:  agentID,
		TaskID:         taskID,
		Description:    prompt,
		Blocking:       true,
		QueueOnBusy:    true,
		MaxQueueWaitMs: waitMs,
	})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}
