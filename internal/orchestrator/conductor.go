// Package orchestrator drives workflows end to end: semantic
// understanding, planning, task dispatch, and the review/replan cycle.
// The workflow manager owns state; the conductor decides what happens
// next and feeds results back in.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/covey-ai/covey/internal/agent"
	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/react"
	"github.com/covey-ai/covey/internal/workflow"
)

// conductorAgentID is the source agent id stamped on dispatches issued
// by the conductor itself.
const conductorAgentID = "orchestrator"

// Config tunes one conductor.
type Config struct {
	// MaxReplans bounds how many times a failed review may send the
	// workflow back through planning.
	MaxReplans int

	// PlanRetries is how many repair attempts follow an unusable plan.
	PlanRetries int

	// TaskWaitMs is the blocking-dispatch deadline per task turn.
	TaskWaitMs int

	// ReviewEnabled runs each task's output through the review loop.
	ReviewEnabled  bool
	ReviewMaxTurns int

	// React tunes the per-task react loop; zero values take the loop's
	// own defaults.
	React react.Config

	// PollInterval paces waits on paused workflows and in-flight tasks.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlanRetries <= 0 {
		c.PlanRetries = 1
	}
	if c.TaskWaitMs <= 0 {
		c.TaskWaitMs = 300000
	}
	if c.ReviewMaxTurns <= 0 {
		c.ReviewMaxTurns = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Conductor advances workflow FSMs and executes their task graphs
// through the agent dispatcher. One goroutine drives one workflow at a
// time; concurrent drives of the same workflow are rejected.
type Conductor struct {
	workflows  *workflow.Manager
	dispatcher *agent.Dispatcher
	pool       *agent.Pool
	planner    react.Planner
	reviewer   react.Reviewer
	nudge      workflow.NudgePolicy
	cfg        Config
	logger     *logger.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a conductor. reviewer may be nil to skip verdicts.
func New(workflows *workflow.Manager, dispatcher *agent.Dispatcher, pool *agent.Pool, planner react.Planner, reviewer react.Reviewer, cfg Config, log *logger.Logger) *Conductor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conductor{
		workflows:  workflows,
		dispatcher: dispatcher,
		pool:       pool,
		planner:    planner,
		reviewer:   reviewer,
		cfg:        cfg.withDefaults(),
		logger:     log.WithFields(zap.String("component", "conductor")),
		rootCtx:    ctx,
		rootCancel: cancel,
		running:    make(map[string]struct{}),
	}
}

// Start drives a workflow in the background. Already-driven workflows
// are left alone.
func (c *Conductor) Start(workflowID string) {
	go func() {
		if err := c.Run(c.rootCtx, workflowID); err != nil && !apperrors.IsConflict(err) {
			c.logger.Warn("workflow run ended with error",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}()
}

// Shutdown stops all background runs.
func (c *Conductor) Shutdown() {
	c.rootCancel()
}

// Run drives one workflow from its current state to a terminal state.
// A reported planning or review failure lands the workflow in failed
// and returns nil; only infrastructure errors propagate.
func (c *Conductor) Run(ctx context.Context, workflowID string) error {
	if !c.claim(workflowID) {
		return apperrors.Conflict("workflow '" + workflowID + "' is already being driven")
	}
	defer c.release(workflowID)

	wf, err := c.workflows.Get(workflowID)
	if err != nil {
		return err
	}
	c.logger.Info("driving workflow", zap.String("workflow_id", workflowID))

	var understanding, feedback string
	replans := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := c.workflows.State(workflowID)
		if err != nil {
			return err
		}

		switch state {
		case workflow.StateIdle:
			if err := c.workflows.Advance(ctx, workflowID, workflow.StateSemanticUnderstanding); err != nil {
				return err
			}

		case workflow.StateSemanticUnderstanding:
			understanding = c.understand(ctx, wf.UserTask)
			if err := c.workflows.Advance(ctx, workflowID, workflow.StateRoutingDecision); err != nil {
				return err
			}

		case workflow.StateRoutingDecision:
			// Single-pipeline routing: every task goes through plan/execute.
			if err := c.workflows.Advance(ctx, workflowID, workflow.StatePlanLoop); err != nil {
				return err
			}

		case workflow.StatePlanLoop:
			tasks, err := c.plan(ctx, wf.UserTask, understanding, feedback)
			if err == nil {
				err = c.workflows.SetTasks(ctx, workflowID, tasks)
			}
			if err != nil {
				if failErr := c.workflows.Fail(ctx, workflowID, "planning failed: "+err.Error()); failErr != nil {
					return failErr
				}
				return nil
			}
			if err := c.workflows.Advance(ctx, workflowID, workflow.StateExecution); err != nil {
				return err
			}

		case workflow.StateExecution:
			if err := c.executePhase(ctx, workflowID, wf.SessionID); err != nil {
				return err
			}
			after, err := c.workflows.State(workflowID)
			if err != nil {
				return err
			}
			if after == workflow.StateExecution {
				if err := c.workflows.Advance(ctx, workflowID, workflow.StateReview); err != nil {
					return err
				}
			}

		case workflow.StateReview:
			verdict := c.reviewWorkflow(ctx, workflowID, wf.UserTask)
			_, anyBlocked, err := c.workflows.AllTasksSettled(workflowID)
			if err != nil {
				return err
			}
			if verdict.Passed && !anyBlocked {
				if err := c.workflows.Advance(ctx, workflowID, workflow.StateCompleted); err != nil {
					return err
				}
				c.logger.Info("workflow completed", zap.String("workflow_id", workflowID))
				return nil
			}
			if replans >= c.cfg.MaxReplans {
				reason := verdict.Feedback
				if reason == "" {
					reason = "tasks blocked after exhausting rework"
				}
				if err := c.workflows.Fail(ctx, workflowID, reason); err != nil {
					return err
				}
				return nil
			}
			replans++
			feedback = verdict.Feedback
			if feedback == "" && anyBlocked {
				feedback = "previous plan left tasks blocked; produce an alternative breakdown"
			}
			if err := c.workflows.Advance(ctx, workflowID, workflow.StateReplanEvaluation); err != nil {
				return err
			}

		case workflow.StateReplanEvaluation:
			if err := c.workflows.Advance(ctx, workflowID, workflow.StatePlanLoop); err != nil {
				return err
			}

		case workflow.StatePaused, workflow.StateWaitUserDecision:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}

		default:
			// completed or failed
			return nil
		}
	}
}

// understand runs the planner over the raw task to extract the goal.
// Failure degrades to planning without an understanding summary.
func (c *Conductor) understand(ctx context.Context, userTask string) string {
	out, err := c.planner.Plan(ctx, buildUnderstandPrompt(userTask))
	if err != nil {
		c.logger.Warn("semantic understanding unavailable", zap.Error(err))
		return ""
	}
	return out
}

// executePhase runs ready tasks in dependency order until every task
// settles or the remaining tasks sit behind blocked dependencies.
// Returns with the workflow still in execution unless it was paused or
// cancelled underneath us.
func (c *Conductor) executePhase(ctx context.Context, workflowID, sessionID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := c.workflows.State(workflowID)
		if err != nil {
			return err
		}
		switch state {
		case workflow.StateExecution:
		case workflow.StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		default:
			return nil
		}

		settled, _, err := c.workflows.AllTasksSettled(workflowID)
		if err != nil {
			return err
		}
		if settled {
			return nil
		}

		ready, err := c.workflows.ReadyTasks(workflowID)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			states, err := c.workflows.TaskStates(workflowID)
			if err != nil {
				return err
			}
			if !anyInFlight(states) {
				// Whatever is left sits behind blocked dependencies;
				// the review phase decides whether to replan.
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, taskID := range ready {
			taskID := taskID
			g.Go(func() error {
				return c.runTask(gctx, workflowID, sessionID, taskID)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func anyInFlight(states map[string]workflow.TaskState) bool {
	for _, s := range states {
		switch s {
		case workflow.TaskDispatching, workflow.TaskDispatched, workflow.TaskRunning, workflow.TaskReviewing:
			return true
		}
	}
	return false
}

// runTask walks one task through its dispatch lifecycle and settles it
// via HandleTaskResult. Execution errors become a failed result, not a
// returned error; only bookkeeping failures propagate.
func (c *Conductor) runTask(ctx context.Context, workflowID, sessionID, taskID string) error {
	task, err := c.workflows.Task(workflowID, taskID)
	if err != nil {
		return err
	}

	agentID := task.AssigneeAgentID
	var pickErr error
	if agentID == "" || !c.agentUsable(agentID) {
		agentID, pickErr = c.pickAgent()
	}

	if err := c.workflows.MarkTaskDispatching(ctx, workflowID, taskID, agentID); err != nil {
		return err
	}
	if pickErr != nil {
		return c.workflows.HandleTaskResult(ctx, workflowID, taskID,
			workflow.TaskResult{Error: pickErr.Error()})
	}
	if err := c.workflows.MarkTaskDispatched(ctx, workflowID, taskID); err != nil {
		return err
	}
	if err := c.workflows.MarkTaskRunning(ctx, workflowID, taskID); err != nil {
		return err
	}

	output, execErr := c.performTask(ctx, workflowID, sessionID, agentID, task)
	result := workflow.TaskResult{Success: execErr == nil, Output: output}
	if execErr != nil {
		result.Error = execErr.Error()
		c.logger.Warn("task execution failed",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", taskID),
			zap.Error(execErr))
	}
	return c.workflows.HandleTaskResult(ctx, workflowID, taskID, result)
}

// performTask runs the task through the react engine, applying the
// nudge policy and, when enabled, the review loop over each turn.
func (c *Conductor) performTask(ctx context.Context, workflowID, sessionID, agentID string, task workflow.TaskNode) (string, error) {
	turn := c.taskTurn(workflowID, sessionID, agentID, task.ID)

	if c.cfg.ReviewEnabled && c.reviewer != nil {
		loop := workflow.NewReviewLoop(c.reviewer, c.cfg.ReviewMaxTurns, c.logger)
		outcome, err := loop.Run(ctx, task.Description, task.Description, turn)
		if err != nil {
			return "", err
		}
		if !outcome.Passed {
			return outcome.Output, fmt.Errorf("review did not pass: %s", outcome.StopReason)
		}
		return outcome.Output, nil
	}

	res, err := turn(ctx, task.Description)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

func (c *Conductor) agentUsable(agentID string) bool {
	instance, err := c.pool.Get(agentID)
	return err == nil && instance.State.HasProcess()
}

// pickAgent chooses a running agent for an unassigned task, preferring
// one that is not busy.
func (c *Conductor) pickAgent() (string, error) {
	var busy string
	for _, instance := range c.pool.List() {
		if !instance.State.HasProcess() {
			continue
		}
		if instance.State != agent.LifecycleBusy {
			return instance.AgentID, nil
		}
		if busy == "" {
			busy = instance.AgentID
		}
	}
	if busy != "" {
		return busy, nil
	}
	return "", apperrors.ResourceError("no running agent available")
}

func (c *Conductor) claim(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[workflowID]; ok {
		return false
	}
	c.running[workflowID] = struct{}{}
	return true
}

func (c *Conductor) release(workflowID string) {
	c.mu.Lock()
	delete(c.running, workflowID)
	c.mu.Unlock()
}
