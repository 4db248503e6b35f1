package react

import (
	"fmt"
	"sort"
	"strings"
)

// maxPromptIterations bounds how many recent rounds appear in the planner
// prompt; the reviewer sees fewer.
const (
	maxPromptIterations   = 5
	maxReviewerIterations = 3
	maxRepairOutputChars  = 500
)

// BuildPlannerPrompt renders the per-round planner prompt: task, ledger
// focus window, pending runtime instructions, recent iteration summaries,
// and the tool catalog.
func BuildPlannerPrompt(task *Task, iterations []Iteration, catalog []ActionSpec, instructions []string, ledgerFocusChars int) string {
	var b strings.Builder

	b.WriteString("Task: ")
	b.WriteString(task.Description)
	b.WriteString("\n")

	if task.Ledger != "" {
		ledger := task.Ledger
		if len(ledger) > ledgerFocusChars {
			// Tail window: the most recent ledger content is the most relevant.
			ledger = ledger[len(ledger)-ledgerFocusChars:]
		}
		b.WriteString("\nContext:\n")
		b.WriteString(ledger)
		b.WriteString("\n")
	}

	if len(instructions) > 0 {
		b.WriteString("\nUser instructions (address these now):\n")
		for _, inst := range instructions {
			b.WriteString("- ")
			b.WriteString(inst)
			b.WriteString("\n")
		}
	}

	if len(iterations) > 0 {
		b.WriteString("\nPrevious rounds:\n")
		for _, it := range tailIterations(iterations, maxPromptIterations) {
			b.WriteString(summarizeIteration(it))
			b.WriteString("\n")
		}
	}

	b.WriteString("\nAvailable actions:\n")
	for _, spec := range catalog {
		b.WriteString(fmt.Sprintf("- %s: %s", spec.Name, spec.Description))
		if len(spec.Params) > 0 {
			names := make([]string, 0, len(spec.Params))
			for name := range spec.Params {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, name := range names {
				parts = append(parts, name+": "+spec.Params[name])
			}
			b.WriteString(" (params: " + strings.Join(parts, ", ") + ")")
		}
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with exactly one JSON object: " +
		`{"thought": "...", "action": "...", "params": {...}, "expectedOutcome": "...", "risk": "low|medium|high"}` + "\n")
	return b.String()
}

// BuildRepairPrompt asks the planner to fix an unparseable response.
func BuildRepairPrompt(parseErr error, previousOutput string) string {
	var b strings.Builder
	b.WriteString("Your previous response could not be used: ")
	b.WriteString(parseErr.Error())
	b.WriteString("\n\nPrevious output (truncated):\n")
	b.WriteString(truncate(previousOutput, maxRepairOutputChars))
	b.WriteString("\n\nRespond again with exactly one valid JSON object " +
		`{"thought": "...", "action": "...", "params": {...}}` + " and nothing else.\n")
	return b.String()
}

// BuildReviewerPrompt renders the pre-act review prompt.
func BuildReviewerPrompt(task *Task, round int, proposal *Proposal, catalog []ActionSpec, iterations []Iteration) string {
	var b strings.Builder

	b.WriteString("You are reviewing a proposed action before execution.\n")
	b.WriteString(fmt.Sprintf("Task: %s\nRound: %d\n", task.Description, round))

	b.WriteString(fmt.Sprintf("\nProposal:\n  thought: %s\n  action: %s\n  params: %v\n",
		proposal.Thought, proposal.Action, proposal.Params))
	if proposal.ExpectedOutcome != "" {
		b.WriteString("  expectedOutcome: " + proposal.ExpectedOutcome + "\n")
	}

	b.WriteString("\nAvailable actions: ")
	names := make([]string, 0, len(catalog))
	for _, spec := range catalog {
		names = append(names, spec.Name)
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\n")

	if len(iterations) > 0 {
		b.WriteString("\nRecent rounds:\n")
		for _, it := range tailIterations(iterations, maxReviewerIterations) {
			b.WriteString(summarizeIteration(it))
			b.WriteString("\n")
		}
	}

	b.WriteString("\nRespond with exactly one JSON object: " +
		`{"approved": true|false, "riskLevel": "low|medium|high", "feedback": "...", "requiredFixes": []}` + "\n")
	return b.String()
}

// summarizeIteration renders one round as
// "Round N: action (approved|rejected: feedback) (success|error: observation)".
func summarizeIteration(it Iteration) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Round %d: %s", it.Round, it.Proposal.Action))
	if it.Approved {
		b.WriteString(" (approved)")
	} else {
		b.WriteString(" (rejected: " + it.Feedback + ")")
	}
	if it.Executed {
		if it.Success {
			b.WriteString(" (success: " + truncate(it.Observation, 200) + ")")
		} else {
			b.WriteString(" (error: " + truncate(it.Observation, 200) + ")")
		}
	}
	return b.String()
}

func tailIterations(iterations []Iteration, n int) []Iteration {
	if len(iterations) <= n {
		return iterations
	}
	return iterations[len(iterations)-n:]
}
