package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/react"
)

// ReviewStopMaxTurns is reported when the review loop exhausts its turn
// budget without a passing verdict.
const ReviewStopMaxTurns = "max_turns_reached"

// TurnResult is the output of one main-thread agent turn.
type TurnResult struct {
	Output    string
	ToolTrace []string // names of tools invoked during the turn
}

// TurnRunner reruns the main agent turn with a (possibly feedback
// augmented) input.
type TurnRunner func(ctx context.Context, input string) (*TurnResult, error)

// ReviewVerdict is the parsed reviewer judgment over an assistant output.
type ReviewVerdict struct {
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score,omitempty"`
	Feedback string   `json:"feedback"`
	Blockers []string `json:"blockers,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// ReviewTurn records one iteration of the review loop.
type ReviewTurn struct {
	Turn      int            `json:"turn"`
	Input     string         `json:"input"`
	Output    string         `json:"output"`
	Verdict   *ReviewVerdict `json:"verdict,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ReviewOutcome is the final result of a review loop run.
type ReviewOutcome struct {
	Output     string       `json:"output"`
	Passed     bool         `json:"passed"`
	Turns      []ReviewTurn `json:"turns"`
	StopReason string       `json:"stop_reason,omitempty"`
}

// ReviewLoop reruns an agent turn under reviewer feedback until the
// verdict passes or maxTurns is exhausted. The reviewer runs in an
// isolated context: it sees only the task and the assistant output as
// evidence, never the ledger.
type ReviewLoop struct {
	reviewer react.Reviewer
	maxTurns int
	logger   *logger.Logger
}

// NewReviewLoop creates a review loop with the given turn budget
// (default 10).
func NewReviewLoop(reviewer react.Reviewer, maxTurns int, log *logger.Logger) *ReviewLoop {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &ReviewLoop{
		reviewer: reviewer,
		maxTurns: maxTurns,
		logger:   log.WithFields(zap.String("component", "review-loop")),
	}
}

// Run drives the review loop for a task.
func (l *ReviewLoop) Run(ctx context.Context, taskDescription, input string, runTurn TurnRunner) (*ReviewOutcome, error) {
	outcome := &ReviewOutcome{}
	turnInput := input

	for turn := 1; turn <= l.maxTurns; turn++ {
		turnResult, err := runTurn(ctx, turnInput)
		if err != nil {
			return nil, err
		}

		record := ReviewTurn{
			Turn:      turn,
			Input:     turnInput,
			Output:    turnResult.Output,
			Timestamp: time.Now().UTC(),
		}

		verdict := l.judge(ctx, taskDescription, turnResult.Output)
		record.Verdict = verdict
		outcome.Turns = append(outcome.Turns, record)

		if verdict.Passed {
			outcome.Output = turnResult.Output
			outcome.Passed = true
			return outcome, nil
		}

		l.logger.Debug("review rejected turn",
			zap.Int("turn", turn),
			zap.String("feedback", verdict.Feedback))
		turnInput = augmentWithFeedback(input, verdict)
	}

	outcome.StopReason = ReviewStopMaxTurns
	if len(outcome.Turns) > 0 {
		outcome.Output = outcome.Turns[len(outcome.Turns)-1].Output
	}
	return outcome, nil
}

// judge runs the reviewer over the assistant output. Unusable verdicts
// pass with a note: the reviewer is advisory and must not wedge the
// workflow.
func (l *ReviewLoop) judge(ctx context.Context, taskDescription, output string) *ReviewVerdict {
	prompt := buildReviewPrompt(taskDescription, output)
	raw, err := l.reviewer.Review(ctx, prompt)
	if err != nil {
		l.logger.Warn("reviewer invocation failed, passing by default", zap.Error(err))
		return &ReviewVerdict{Passed: true, Feedback: "reviewer unavailable"}
	}
	verdict, err := parseReviewVerdict(raw)
	if err != nil {
		l.logger.Warn("reviewer verdict unparseable, passing by default", zap.Error(err))
		return &ReviewVerdict{Passed: true, Feedback: "reviewer verdict unparseable"}
	}
	return verdict
}

// parseReviewVerdict tolerates markdown-wrapped JSON by extracting the
// outermost object.
func parseReviewVerdict(text string) (*ReviewVerdict, error) {
	raw, err := react.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var v ReviewVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid review verdict JSON: %w", err)
	}
	return &v, nil
}

func buildReviewPrompt(taskDescription, output string) string {
	return fmt.Sprintf(
		"You are reviewing an assistant's work with read-only tools.\n"+
			"Task: %s\n\nAssistant output (evidence):\n%s\n\n"+
			"Respond with exactly one JSON object: "+
			`{"passed": true|false, "score": 0.0, "feedback": "...", "blockers": [], "evidence": []}`+"\n",
		taskDescription, output)
}

func augmentWithFeedback(input string, verdict *ReviewVerdict) string {
	augmented := input + "\n\nReviewer feedback (address before finishing):\n" + verdict.Feedback
	for _, blocker := range verdict.Blockers {
		augmented += "\n- blocker: " + blocker
	}
	return augmented
}
