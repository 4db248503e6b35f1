// Package workflow owns workflow and task lifecycles: the two state
// machines, the dependency-aware task graph, the post-execution review
// loop, and the keyed buses for asks and runtime instructions.
package workflow

import (
	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// State is a workflow FSM state.
type State string

const (
	StateIdle                  State = "idle"
	StateSemanticUnderstanding State = "semantic_understanding"
	StateRoutingDecision       State = "routing_decision"
	StatePlanLoop              State = "plan_loop"
	StateExecution             State = "execution"
	StateReview                State = "review"
	StateReplanEvaluation      State = "replan_evaluation"
	StateWaitUserDecision      State = "wait_user_decision"
	StatePaused                State = "paused"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

// workflowTransitions enumerates the allowed edges. Pausing is handled
// separately: paused is reachable from any non-terminal state.
var workflowTransitions = map[State][]State{
	StateIdle:                  {StateSemanticUnderstanding},
	StateSemanticUnderstanding: {StateRoutingDecision, StateFailed},
	StateRoutingDecision:       {StatePlanLoop, StateFailed},
	StatePlanLoop:              {StateExecution, StateFailed},
	StateExecution:             {StateReview, StateFailed},
	StateReview:                {StateExecution, StateReplanEvaluation, StateWaitUserDecision, StateCompleted, StateFailed},
	StateReplanEvaluation:      {StateExecution, StatePlanLoop, StateCompleted, StateFailed},
	StateWaitUserDecision:      {StateExecution, StateCompleted, StateFailed},
	StatePaused:                {}, // resume restores the pre-pause state
	StateCompleted:             {},
	StateFailed:                {},
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the edge from → to is legal. Any
// non-terminal state may pause.
func CanTransition(from, to State) bool {
	if to == StatePaused {
		return !from.IsTerminal() && from != StatePaused
	}
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns a conflict error for an illegal edge.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return apperrors.Conflict("workflow cannot move from " + string(from) + " to " + string(to))
	}
	return nil
}
