// Package react implements the plan/review/act/observe driver: a planning
// model proposes one JSON action per round, an optional reviewer gates it,
// an action handler executes it, and multi-signal stop detection ends the
// loop.
package react

import (
	"context"
	"time"
)

// Planner produces free-form text expected to contain one JSON action
// proposal.
type Planner interface {
	Plan(ctx context.Context, prompt string) (string, error)
}

// Reviewer gates proposals before execution.
type Reviewer interface {
	Review(ctx context.Context, prompt string) (string, error)
}

// Proposal is the parsed planner output for one round.
type Proposal struct {
	Thought         string         `json:"thought"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params"`
	ExpectedOutcome string         `json:"expectedOutcome,omitempty"`
	Risk            string         `json:"risk,omitempty"`
}

// Risk levels returned by the reviewer.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Verdict is the parsed reviewer output for a pre-act review.
type Verdict struct {
	Approved      bool     `json:"approved"`
	RiskLevel     string   `json:"riskLevel"`
	Feedback      string   `json:"feedback"`
	RequiredFixes []string `json:"requiredFixes,omitempty"`
}

// Iteration records one round of the loop.
type Iteration struct {
	Round       int       `json:"round"`
	Proposal    *Proposal `json:"proposal"`
	Approved    bool      `json:"approved"`
	Feedback    string    `json:"feedback,omitempty"`
	Executed    bool      `json:"executed"`
	Success     bool      `json:"success"`
	Observation string    `json:"observation,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FormatSnapshot records a planner response that failed parsing or
// validation. These are not iterations; they only appear in the loop log
// and the result for diagnosis.
type FormatSnapshot struct {
	Round     int       `json:"round"`
	Error     string    `json:"error"`
	RawOutput string    `json:"raw_output"`
	Timestamp time.Time `json:"timestamp"`
}

// StopReason identifies why the loop ended.
type StopReason string

const (
	StopComplete      StopReason = "complete"
	StopFail          StopReason = "fail"
	StopMaxRounds     StopReason = "max_rounds"
	StopMaxRejections StopReason = "max_rejections"
	StopStuck         StopReason = "stuck"
	StopNoProgress    StopReason = "no_progress"
	StopProposalError StopReason = "proposal_error"
)

// Result is the outcome of a loop run. When the loop hits the round cap
// with a succeeding last iteration, Success is true: the cap is a
// protection stop, not a failure.
type Result struct {
	Success          bool             `json:"success"`
	Reason           StopReason       `json:"reason"`
	Iterations       []Iteration      `json:"iterations"`
	FormatErrors     []FormatSnapshot `json:"format_errors,omitempty"`
	FinalObservation string           `json:"final_observation,omitempty"`
	FinalError       string           `json:"final_error,omitempty"`
	TotalRounds      int              `json:"total_rounds"`
	Duration         time.Duration    `json:"duration"`
	ShouldEscalate   bool             `json:"should_escalate"`
}

// Task is the unit of work a loop run drives.
type Task struct {
	ID          string
	SessionID   string
	WorkflowID  string
	EpicID      string
	AgentID     string
	Description string
	Ledger      string // opaque memory fragment rendered into the prompt
}

// InstructionSource delivers out-of-band user instructions into a running
// loop. Consumption is exactly-once per key.
type InstructionSource interface {
	ConsumeFor(agentID, workflowID, epicID, sessionID string) []string
}

// LoopLog receives one record per iteration and format error.
type LoopLog interface {
	Append(sessionID string, record any) error
}

// Config holds loop tunables.
type Config struct {
	MaxRounds           int
	MaxRejections       int
	OnStuck             int
	OnConvergence       bool
	FormatFixMaxRetries int
	LedgerFocusChars    int
	CompleteActions     []string
	FailActions         []string
}

// withDefaults fills zero values with the documented defaults.
func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 3
	}
	if c.OnStuck <= 0 {
		c.OnStuck = 3
	}
	if c.FormatFixMaxRetries < 0 {
		c.FormatFixMaxRetries = 0
	}
	if c.LedgerFocusChars <= 0 {
		c.LedgerFocusChars = 20000
	}
	if len(c.CompleteActions) == 0 {
		c.CompleteActions = []string{ActionComplete}
	}
	if len(c.FailActions) == 0 {
		c.FailActions = []string{ActionFail}
	}
	return c
}
