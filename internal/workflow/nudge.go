package workflow

import "strings"

// executionKeywords mark a user input as execution-oriented: the user
// expects something to actually happen, not just a plan.
var executionKeywords = []string{
	"modify", "run", "test", "fix", "implement", "edit", "search",
}

// evidenceKeywords mark an assistant reply as carrying execution
// evidence rather than a promise.
var evidenceKeywords = []string{
	"created", "updated", "wrote", "modified", "executed", "ran",
	"deleted", "installed", "passed", "failed", "output", "result",
	"exit code", "diff",
}

// NudgeInstruction is appended to the turn input when the reply promised
// work without doing it.
const NudgeInstruction = "SYSTEM-CONTINUATION: The user asked for execution, " +
	"but your previous reply contained no tool activity or evidence of work. " +
	"Use your tools to perform the requested change now, then report what you did."

// NudgePolicy decides whether a completed main-thread turn should be
// re-issued once with a continuation instruction.
type NudgePolicy struct{}

// ShouldNudge reports whether the turn warrants a nudge: the input is
// execution-oriented, the reply shows neither a tool trace nor evidence
// keywords, and no nudge was applied to this turn yet.
func (NudgePolicy) ShouldNudge(userInput string, result *TurnResult, executionNudgeApplied bool) bool {
	if executionNudgeApplied {
		return false
	}
	if result == nil || len(result.ToolTrace) > 0 {
		return false
	}
	if !containsAny(userInput, executionKeywords) {
		return false
	}
	return !containsAny(result.Output, evidenceKeywords)
}

// Augment appends the continuation instruction to the original input.
func (NudgePolicy) Augment(userInput string) string {
	return userInput + "\n\n" + NudgeInstruction
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
