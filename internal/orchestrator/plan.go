package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/react"
	"github.com/covey-ai/covey/internal/workflow"
)

type plannedTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	AgentID     string   `json:"agentId,omitempty"`
	BlockedBy   []string `json:"blockedBy,omitempty"`
}

type planDocument struct {
	Tasks []plannedTask `json:"tasks"`
}

// plan asks the planner for a task graph, retrying with a repair prompt
// when the reply does not parse or validate.
func (c *Conductor) plan(ctx context.Context, userTask, understanding, feedback string) ([]*workflow.TaskNode, error) {
	prompt := buildPlanPrompt(userTask, understanding, feedback, c.runningAgentIDs())

	var lastErr error
	for attempt := 0; attempt <= c.cfg.PlanRetries; attempt++ {
		raw, err := c.planner.Plan(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		tasks, err := parsePlan(raw)
		if err == nil {
			err = workflow.ValidateGraph(tasks)
		}
		if err == nil {
			return tasks, nil
		}
		lastErr = err
		prompt = buildPlanRepairPrompt(userTask, raw, err)
	}
	return nil, lastErr
}

// parsePlan extracts the task graph from a (possibly markdown-wrapped)
// planner reply.
func parsePlan(text string) ([]*workflow.TaskNode, error) {
	raw, err := react.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	tasks := make([]*workflow.TaskNode, 0, len(doc.Tasks))
	for _, pt := range doc.Tasks {
		tasks = append(tasks, &workflow.TaskNode{
			ID:              pt.ID,
			Description:     pt.Description,
			AssigneeAgentID: pt.AgentID,
			BlockedBy:       pt.BlockedBy,
		})
	}
	return tasks, nil
}

// reviewWorkflow judges the settled task graph against the user's goal.
// The reviewer is advisory: unusable verdicts pass with a note so a
// broken reviewer cannot wedge the workflow.
func (c *Conductor) reviewWorkflow(ctx context.Context, workflowID, userTask string) *workflow.ReviewVerdict {
	if c.reviewer == nil {
		return &workflow.ReviewVerdict{Passed: true}
	}
	raw, err := c.reviewer.Review(ctx, buildWorkflowReviewPrompt(userTask, c.taskSummary(workflowID)))
	if err != nil {
		c.logger.Warn("workflow review unavailable, passing by default", zap.Error(err))
		return &workflow.ReviewVerdict{Passed: true, Feedback: "reviewer unavailable"}
	}
	verdict, err := parseVerdict(raw)
	if err != nil {
		c.logger.Warn("workflow verdict unparseable, passing by default", zap.Error(err))
		return &workflow.ReviewVerdict{Passed: true, Feedback: "reviewer verdict unparseable"}
	}
	return verdict
}

func parseVerdict(text string) (*workflow.ReviewVerdict, error) {
	raw, err := react.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var v workflow.ReviewVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid verdict JSON: %w", err)
	}
	return &v, nil
}

// taskSummary renders the task arena as evidence for the reviewer.
func (c *Conductor) taskSummary(workflowID string) string {
	states, err := c.workflows.TaskStates(workflowID)
	if err != nil {
		return ""
	}
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		task, err := c.workflows.Task(workflowID, id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n", task.ID, task.State, task.Description)
		if task.Result != nil {
			if task.Result.Output != "" {
				fmt.Fprintf(&b, "  output: %s\n", task.Result.Output)
			}
			if task.Result.Error != "" {
				fmt.Fprintf(&b, "  error: %s\n", task.Result.Error)
			}
		}
	}
	return b.String()
}

func (c *Conductor) runningAgentIDs() []string {
	var ids []string
	for _, instance := range c.pool.List() {
		if instance.State.HasProcess() {
			ids = append(ids, instance.AgentID)
		}
	}
	return ids
}

func buildUnderstandPrompt(userTask string) string {
	return "Restate the user's goal in one short paragraph, naming the " +
		"concrete deliverables and any constraints.\n\nUser task:\n" + userTask + "\n"
}

func buildPlanPrompt(userTask, understanding, feedback string, agentIDs []string) string {
	var b strings.Builder
	b.WriteString("Break the user's task into executable sub-tasks.\n")
	b.WriteString("Respond with exactly one JSON object: ")
	b.WriteString(`{"tasks": [{"id": "t1", "description": "...", "agentId": "", "blockedBy": []}]}`)
	b.WriteString("\nUse blockedBy for ordering; leave agentId empty to let the runtime pick.\n")
	if len(agentIDs) > 0 {
		b.WriteString("Available agents: " + strings.Join(agentIDs, ", ") + "\n")
	}
	b.WriteString("\nUser task:\n" + userTask + "\n")
	if understanding != "" {
		b.WriteString("\nGoal analysis:\n" + understanding + "\n")
	}
	if feedback != "" {
		b.WriteString("\nFeedback on the previous attempt (address it in the new plan):\n" + feedback + "\n")
	}
	return b.String()
}

func buildPlanRepairPrompt(userTask, previous string, parseErr error) string {
	return "Your previous plan was not usable: " + parseErr.Error() + "\n\n" +
		"Previous reply:\n" + previous + "\n\n" +
		"Produce a corrected plan for the task below. Respond with exactly one JSON object: " +
		`{"tasks": [{"id": "t1", "description": "...", "agentId": "", "blockedBy": []}]}` + "\n\n" +
		"User task:\n" + userTask + "\n"
}

func buildWorkflowReviewPrompt(userTask, summary string) string {
	return "You are reviewing whether a multi-agent workflow satisfied the user's goal.\n" +
		"User task: " + userTask + "\n\nTask outcomes:\n" + summary + "\n" +
		"Respond with exactly one JSON object: " +
		`{"passed": true|false, "score": 0.0, "feedback": "...", "blockers": [], "evidence": []}` + "\n"
}
