package orchestrator

import (
	"context"
	"fmt"

	"github.com/covey-ai/covey/internal/agent"
	"github.com/covey-ai/covey/internal/react"
	"github.com/covey-ai/covey/internal/workflow"
)

// actionDelegate hands instructions to the task's assigned agent.
const actionDelegate = "DELEGATE"

// taskTurn builds the turn runner for one task: each turn is a full
// react loop run whose tools are delegation to the assigned agent plus
// the terminal COMPLETE/FAIL actions. The nudge policy re-issues a turn
// once when the run produced neither tool activity nor evidence.
func (c *Conductor) taskTurn(workflowID, sessionID, agentID, taskID string) workflow.TurnRunner {
	nudged := false
	base := func(ctx context.Context, input string) (*workflow.TurnResult, error) {
		return c.reactTurn(ctx, workflowID, sessionID, agentID, taskID, input)
	}
	return func(ctx context.Context, input string) (*workflow.TurnResult, error) {
		res, err := base(ctx, input)
		if err != nil {
			return nil, err
		}
		if c.nudge.ShouldNudge(input, res, nudged) {
			nudged = true
			return base(ctx, c.nudge.Augment(input))
		}
		return res, nil
	}
}

// reactTurn drives one react loop run over the task input. The planner
// proposes actions round by round; delegation executes through the
// dispatcher so scheduler accounting applies to every agent turn.
func (c *Conductor) reactTurn(ctx context.Context, workflowID, sessionID, agentID, taskID, input string) (*workflow.TurnResult, error) {
	actions := react.NewActionRegistry()
	actions.Register(react.ActionSpec{
		Name:        actionDelegate,
		Description: "Send instructions to the assigned agent and observe its reply",
		Params:      map[string]string{"instructions": "what the agent should do next"},
		Required:    []string{"instructions"},
		Handler: func(ctx context.Context, params map[string]any) (*react.ActionResult, error) {
			instructions, _ := params["instructions"].(string)
			result, err := c.dispatcher.Dispatch(ctx, agent.DispatchRequest{
				SourceAgentID:  conductorAgentID,
				SessionID:      sessionID,
				TargetAgentID:  agentID,
				TaskID:         taskID,
				WorkflowID:     workflowID,
				Description:    instructions,
				Blocking:       true,
				QueueOnBusy:    true,
				MaxQueueWaitMs: c.cfg.TaskWaitMs,
			})
			if err != nil {
				return nil, err
			}
			return &react.ActionResult{Success: true, Observation: result.Output}, nil
		},
	})
	actions.Register(react.ActionSpec{
		Name:        react.ActionComplete,
		Description: "Finish the task, summarizing what was accomplished",
		Params:      map[string]string{"summary": "the task outcome"},
		Handler: func(_ context.Context, params map[string]any) (*react.ActionResult, error) {
			summary, _ := params["summary"].(string)
			return &react.ActionResult{Success: true, Observation: summary}, nil
		},
	})
	actions.Register(react.ActionSpec{
		Name:        react.ActionFail,
		Description: "Abandon the task when it cannot be finished",
		Params:      map[string]string{"reason": "why the task cannot proceed"},
		Handler: func(_ context.Context, params map[string]any) (*react.ActionResult, error) {
			reason, _ := params["reason"].(string)
			return &react.ActionResult{Success: false, Observation: reason}, nil
		},
	})

	// Pre-act review stays off here: the reviewer judges finished output
	// in the review loop instead of gating individual proposals.
	loop := react.NewLoop(c.planner, nil, actions, c.cfg.React, c.logger).
		WithInstructions(c.workflows.Instructions())
	result := loop.Run(ctx, &react.Task{
		ID:          taskID,
		SessionID:   sessionID,
		WorkflowID:  workflowID,
		AgentID:     agentID,
		Description: input,
	})

	turn := &workflow.TurnResult{Output: result.FinalObservation}
	for _, it := range result.Iterations {
		if it.Executed && it.Proposal != nil && it.Proposal.Action == actionDelegate {
			turn.ToolTrace = append(turn.ToolTrace, it.Proposal.Action)
		}
	}
	if !result.Success {
		msg := result.FinalError
		if msg == "" {
			msg = result.FinalObservation
		}
		if msg == "" {
			msg = string(result.Reason)
		}
		return nil, fmt.Errorf("task run failed (%s): %s", result.Reason, msg)
	}
	return turn, nil
}
