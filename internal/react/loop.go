package react

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/common/tracing"
)

// Loop drives one ReACT run. Construct with NewLoop; Run may be called
// once per Loop.
type Loop struct {
	planner      Planner
	reviewer     Reviewer // nil disables pre-act review
	actions      *ActionRegistry
	instructions InstructionSource // nil disables runtime instructions
	loopLog      LoopLog           // nil disables loop logging
	cfg          Config
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewLoop wires a loop from its collaborators.
func NewLoop(planner Planner, reviewer Reviewer, actions *ActionRegistry, cfg Config, log *logger.Logger) *Loop {
	return &Loop{
		planner:  planner,
		reviewer: reviewer,
		actions:  actions,
		cfg:      cfg.withDefaults(),
		logger:   log.WithFields(zap.String("component", "react-loop")),
		tracer:   tracing.Tracer("react"),
	}
}

// WithInstructions attaches a runtime-instruction source.
func (l *Loop) WithInstructions(src InstructionSource) *Loop {
	l.instructions = src
	return l
}

// WithLoopLog attaches a per-session loop log.
func (l *Loop) WithLoopLog(log LoopLog) *Loop {
	l.loopLog = log
	return l
}

// convergence tracks the stop-detection counters. rejectionStreak resets
// on any approved execution; stuckCount resets when the rejection reason
// changes.
type convergence struct {
	rejectionStreak int
	stuckCount      int
	lastRejection   string
}

func (c *convergence) recordRejection(feedback string) {
	c.rejectionStreak++
	if feedback == c.lastRejection {
		c.stuckCount++
	} else {
		c.stuckCount = 0
		c.lastRejection = feedback
	}
}

func (c *convergence) recordExecution() {
	c.rejectionStreak = 0
}

// Run executes the loop until a stop condition fires.
func (l *Loop) Run(ctx context.Context, task *Task) *Result {
	start := time.Now()
	result := &Result{}
	conv := &convergence{}
	log := l.logger.WithTaskID(task.ID).WithWorkflowID(task.WorkflowID)

	for round := 1; ; round++ {
		iteration, stop := l.runRound(ctx, task, round, result, conv, log)
		if iteration != nil {
			result.Iterations = append(result.Iterations, *iteration)
			l.logIteration(task, iteration)
		}
		if stop != "" {
			l.finish(result, stop, start)
			log.Info("react loop finished",
				zap.String("reason", string(stop)),
				zap.Bool("success", result.Success),
				zap.Int("total_rounds", result.TotalRounds))
			return result
		}
		if reason := l.checkStop(result, conv); reason != "" {
			l.finish(result, reason, start)
			log.Info("react loop finished",
				zap.String("reason", string(reason)),
				zap.Bool("success", result.Success),
				zap.Int("total_rounds", result.TotalRounds))
			return result
		}
	}
}

// runRound performs one plan/review/act cycle. It returns the recorded
// iteration (nil when the round died in parsing) and a terminal stop
// reason when the round itself ends the loop.
func (l *Loop) runRound(ctx context.Context, task *Task, round int, result *Result, conv *convergence, log *logger.Logger) (*Iteration, StopReason) {
	ctx, span := l.tracer.Start(ctx, "react.round",
		trace.WithAttributes(
			attribute.Int("round", round),
			attribute.String("task.id", task.ID),
		))
	defer span.End()

	var instructions []string
	if l.instructions != nil {
		instructions = l.instructions.ConsumeFor(task.AgentID, task.WorkflowID, task.EpicID, task.SessionID)
	}

	prompt := BuildPlannerPrompt(task, result.Iterations, l.actions.Catalog(), instructions, l.cfg.LedgerFocusChars)

	proposal, err := l.propose(ctx, task, round, prompt, result)
	if err != nil {
		result.FinalError = err.Error()
		return nil, StopProposalError
	}

	now := time.Now().UTC()
	iteration := &Iteration{Round: round, Proposal: proposal, Timestamp: now}

	if l.reviewer != nil {
		verdict := l.review(ctx, task, round, proposal, result.Iterations, log)
		if !verdict.Approved || verdict.RiskLevel == RiskHigh {
			// High risk is force-rejected even when the reviewer approved.
			iteration.Approved = false
			iteration.Feedback = verdict.Feedback
			conv.recordRejection(verdict.Feedback)
			return iteration, ""
		}
		iteration.Approved = true
		iteration.Feedback = verdict.Feedback
	} else {
		iteration.Approved = true
	}

	spec, _ := l.actions.Get(proposal.Action)
	actionResult, err := l.execute(ctx, spec, proposal)
	iteration.Executed = true
	iteration.Success = actionResult.Success && err == nil
	if err != nil {
		iteration.Success = false
		iteration.Observation = "Execution error: " + err.Error()
	} else {
		iteration.Observation = actionResult.Observation
	}
	conv.recordExecution()

	return iteration, ""
}

// propose invokes the planner and parses its output, re-prompting with a
// repair instruction on failure. The budget is the initial attempt plus
// FormatFixMaxRetries repairs.
func (l *Loop) propose(ctx context.Context, task *Task, round int, prompt string, result *Result) (*Proposal, error) {
	attempts := 1 + l.cfg.FormatFixMaxRetries
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		raw, err := l.planner.Plan(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("planner invocation failed: %w", err)
		}

		proposal, err := ParseProposal(raw)
		if err == nil {
			err = l.actions.ValidateProposal(proposal)
			if err == nil {
				return proposal, nil
			}
		}

		lastErr = err
		snapshot := FormatSnapshot{
			Round:     round,
			Error:     err.Error(),
			RawOutput: truncate(raw, maxRepairOutputChars),
			Timestamp: time.Now().UTC(),
		}
		result.FormatErrors = append(result.FormatErrors, snapshot)
		l.logFormatError(task, &snapshot)

		prompt = BuildRepairPrompt(err, raw)
	}
	return nil, fmt.Errorf("proposal unusable after %d attempts: %w", attempts, lastErr)
}

// review runs the pre-act reviewer. Reviewer failures never block
// execution: an unusable verdict approves at low risk with a note, since
// the reviewer is advisory while the action registry is the hard gate.
func (l *Loop) review(ctx context.Context, task *Task, round int, proposal *Proposal, iterations []Iteration, log *logger.Logger) *Verdict {
	prompt := BuildReviewerPrompt(task, round, proposal, l.actions.Catalog(), iterations)
	raw, err := l.reviewer.Review(ctx, prompt)
	if err != nil {
		log.Warn("reviewer invocation failed, approving at low risk", zap.Error(err))
		return &Verdict{Approved: true, RiskLevel: RiskLow, Feedback: "reviewer unavailable"}
	}
	verdict, err := ParseVerdict(raw)
	if err != nil {
		log.Warn("reviewer verdict unparseable, approving at low risk", zap.Error(err))
		return &Verdict{Approved: true, RiskLevel: RiskLow, Feedback: "reviewer verdict unparseable"}
	}
	return verdict
}

// execute runs the action handler, converting handler errors and panics
// into failed observations.
func (l *Loop) execute(ctx context.Context, spec ActionSpec, proposal *Proposal) (result *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if spec.Handler == nil {
		return nil, fmt.Errorf("action '%s' has no handler", proposal.Action)
	}
	res, err := spec.Handler(ctx, proposal.Params)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &ActionResult{Success: true}
	}
	return res, nil
}

// checkStop evaluates the stop conditions in order; first match wins.
func (l *Loop) checkStop(result *Result, conv *convergence) StopReason {
	last := &result.Iterations[len(result.Iterations)-1]

	if last.Executed {
		if contains(l.cfg.CompleteActions, last.Proposal.Action) {
			return StopComplete
		}
		if contains(l.cfg.FailActions, last.Proposal.Action) {
			return StopFail
		}
	}
	if len(result.Iterations) >= l.cfg.MaxRounds {
		return StopMaxRounds
	}
	if conv.rejectionStreak >= l.cfg.MaxRejections {
		return StopMaxRejections
	}
	if conv.stuckCount >= l.cfg.OnStuck {
		return StopStuck
	}
	if l.cfg.OnConvergence && l.noProgress(result.Iterations) {
		return StopNoProgress
	}
	return ""
}

// noProgress reports whether the last five observations collapsed to one
// repeated value: at least three identical and exactly one unique.
func (l *Loop) noProgress(iterations []Iteration) bool {
	var observations []string
	for _, it := range iterations {
		if it.Executed {
			observations = append(observations, it.Observation)
		}
	}
	if len(observations) > 5 {
		observations = observations[len(observations)-5:]
	}
	if len(observations) < 3 {
		return false
	}
	unique := make(map[string]int)
	for _, obs := range observations {
		unique[obs]++
	}
	if len(unique) != 1 {
		return false
	}
	for _, count := range unique {
		return count >= 3
	}
	return false
}

// finish seals the result with the stop reason and derived fields.
func (l *Loop) finish(result *Result, reason StopReason, start time.Time) {
	result.Reason = reason
	result.TotalRounds = len(result.Iterations)
	result.Duration = time.Since(start)

	var last *Iteration
	if len(result.Iterations) > 0 {
		last = &result.Iterations[len(result.Iterations)-1]
		if last.Executed {
			result.FinalObservation = last.Observation
		}
	}

	switch reason {
	case StopComplete:
		result.Success = true
	case StopMaxRounds:
		// Protection stop: a succeeding last round is still a success.
		result.Success = last != nil && last.Executed && last.Success
		result.ShouldEscalate = true
	case StopMaxRejections, StopStuck, StopNoProgress:
		result.Success = false
		result.ShouldEscalate = true
	case StopProposalError:
		result.Success = false
		result.ShouldEscalate = true
	default: // StopFail
		result.Success = false
		if last != nil && last.Proposal != nil {
			if reason, ok := last.Proposal.Params["reason"].(string); ok {
				result.FinalError = reason
			}
		}
	}
}

func (l *Loop) logIteration(task *Task, iteration *Iteration) {
	if l.loopLog == nil || task.SessionID == "" {
		return
	}
	record := map[string]any{
		"kind":        "iteration",
		"task_id":     task.ID,
		"workflow_id": task.WorkflowID,
		"round":       iteration.Round,
		"action":      iteration.Proposal.Action,
		"approved":    iteration.Approved,
		"executed":    iteration.Executed,
		"success":     iteration.Success,
		"observation": iteration.Observation,
		"timestamp":   iteration.Timestamp,
	}
	if err := l.loopLog.Append(task.SessionID, record); err != nil {
		l.logger.Warn("failed to append loop record", zap.Error(err))
	}
}

func (l *Loop) logFormatError(task *Task, snapshot *FormatSnapshot) {
	if l.loopLog == nil || task.SessionID == "" {
		return
	}
	record := map[string]any{
		"kind":      "format_error",
		"task_id":   task.ID,
		"round":     snapshot.Round,
		"error":     snapshot.Error,
		"raw":       snapshot.RawOutput,
		"timestamp": snapshot.Timestamp,
	}
	if err := l.loopLog.Append(task.SessionID, record); err != nil {
		l.logger.Warn("failed to append loop record", zap.Error(err))
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
