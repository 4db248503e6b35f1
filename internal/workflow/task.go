package workflow

import (
	"fmt"
	"time"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// TaskState is a task FSM state.
type TaskState string

const (
	TaskCreated            TaskState = "created"
	TaskReady              TaskState = "ready"
	TaskDispatching        TaskState = "dispatching"
	TaskDispatched         TaskState = "dispatched"
	TaskRunning            TaskState = "running"
	TaskExecutionSucceeded TaskState = "execution_succeeded"
	TaskReviewing          TaskState = "reviewing"
	TaskDone               TaskState = "done"
	TaskExecutionFailed    TaskState = "execution_failed"
	TaskReworkRequired     TaskState = "rework_required"
	TaskBlocked            TaskState = "blocked"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskCreated:            {TaskReady},
	TaskReady:              {TaskDispatching},
	TaskDispatching:        {TaskDispatched, TaskExecutionFailed},
	TaskDispatched:         {TaskRunning, TaskExecutionFailed},
	TaskRunning:            {TaskExecutionSucceeded, TaskExecutionFailed},
	TaskExecutionSucceeded: {TaskReviewing, TaskDone},
	TaskReviewing:          {TaskDone, TaskExecutionFailed},
	TaskExecutionFailed:    {TaskReworkRequired, TaskBlocked},
	TaskReworkRequired:     {TaskReady},
	TaskDone:               {},
	TaskBlocked:            {},
}

// IsTerminal reports whether the task state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskDone || s == TaskBlocked
}

// TaskResult is the recorded outcome of a task execution.
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskNode is one node in the workflow task graph. Tasks reference each
// other by id only; the workflow arena owns the nodes.
type TaskNode struct {
	ID                       string      `json:"id"`
	Description              string      `json:"description"`
	State                    TaskState   `json:"state"`
	AssigneeAgentID          string      `json:"assignee_agent_id,omitempty"`
	BlockedBy                []string    `json:"blocked_by,omitempty"`
	Tools                    []string    `json:"tools,omitempty"`
	Result                   *TaskResult `json:"result,omitempty"`
	IterationCount           int         `json:"iteration_count"`
	MaxIterations            int         `json:"max_iterations"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
	ContextIsolationRequired bool        `json:"context_isolation_required,omitempty"`
}

// transition moves the task to a new state or returns a conflict.
func (t *TaskNode) transition(to TaskState) error {
	for _, next := range taskTransitions[t.State] {
		if next == to {
			t.State = to
			t.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return apperrors.Conflict(fmt.Sprintf("task '%s' cannot move from %s to %s", t.ID, t.State, to))
}

// ValidateGraph checks the task arena: unique ids, blockedBy edges that
// reference existing tasks, and no cycles.
func ValidateGraph(tasks []*TaskNode) error {
	byID := make(map[string]*TaskNode, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return apperrors.ValidationError("id", "task id is required")
		}
		if _, dup := byID[task.ID]; dup {
			return apperrors.ValidationError("id", "duplicate task id '"+task.ID+"'")
		}
		byID[task.ID] = task
	}
	for _, task := range tasks {
		for _, dep := range task.BlockedBy {
			if _, ok := byID[dep]; !ok {
				return apperrors.ValidationError("blockedBy",
					fmt.Sprintf("task '%s' depends on unknown task '%s'", task.ID, dep))
			}
		}
	}

	// Cycle detection by three-color DFS over blockedBy edges.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return apperrors.ValidationError("blockedBy", "dependency cycle involving task '"+id+"'")
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].BlockedBy {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Workflow is the unit the manager drives. Tasks live in an arena keyed
// by id; everything else references ids only.
type Workflow struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	EpicID       string               `json:"epic_id,omitempty"`
	State        State                `json:"state"`
	UserTask     string               `json:"user_task"`
	Tasks        map[string]*TaskNode `json:"tasks"`
	Context      map[string]any       `json:"context,omitempty"`
	PhaseHistory []string             `json:"phase_history,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`

	// resumeState remembers the pre-pause state so resume can restore it.
	resumeState State
}

// promoteReady moves created and rework_required tasks whose blockers are
// all done into ready, and returns the ids promoted.
func (w *Workflow) promoteReady() []string {
	var promoted []string
	for _, task := range w.Tasks {
		if task.State != TaskCreated && task.State != TaskReworkRequired {
			continue
		}
		if !w.blockersDone(task) {
			continue
		}
		if err := task.transition(TaskReady); err == nil {
			promoted = append(promoted, task.ID)
		}
	}
	return promoted
}

func (w *Workflow) blockersDone(task *TaskNode) bool {
	for _, dep := range task.BlockedBy {
		blocker, ok := w.Tasks[dep]
		if !ok || blocker.State != TaskDone {
			return false
		}
	}
	return true
}

// allTasksSettled reports whether every task reached a terminal state.
func (w *Workflow) allTasksSettled() bool {
	for _, task := range w.Tasks {
		if !task.State.IsTerminal() {
			return false
		}
	}
	return true
}

// anyTaskBlocked reports whether any task ended blocked.
func (w *Workflow) anyTaskBlocked() bool {
	for _, task := range w.Tasks {
		if task.State == TaskBlocked {
			return true
		}
	}
	return false
}
