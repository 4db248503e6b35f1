package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
	"github.com/covey-ai/covey/internal/session"
)

// Manager owns workflows and their task arenas. Sessions hold only
// workflow ids; the manager queries the session store for persistence
// and checkpointing.
type Manager struct {
	sessions     *session.Store
	eventBus     bus.EventBus
	instructions *InstructionBus
	asks         *AskBus
	logger       *logger.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
	locks     map[string]*sync.Mutex

	// agentStates, when set, is sampled into every checkpoint so a
	// restore knows what the agent pool looked like at snapshot time.
	agentStates func() map[string]string
}

// NewManager creates a workflow manager.
func NewManager(sessions *session.Store, eventBus bus.EventBus, instructions *InstructionBus, asks *AskBus, log *logger.Logger) *Manager {
	return &Manager{
		sessions:     sessions,
		eventBus:     eventBus,
		instructions: instructions,
		asks:         asks,
		logger:       log.WithFields(zap.String("component", "workflow-manager")),
		workflows:    make(map[string]*Workflow),
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetAgentStateSource installs the provider whose snapshot is embedded
// in every checkpoint. Install before workflows start advancing.
func (m *Manager) SetAgentStateSource(fn func() map[string]string) {
	m.agentStates = fn
}

// Instructions exposes the runtime-instruction mailbox.
func (m *Manager) Instructions() *InstructionBus { return m.instructions }

// Asks exposes the pending-ask bus.
func (m *Manager) Asks() *AskBus { return m.asks }

// Create registers a new idle workflow attached to a session.
func (m *Manager) Create(ctx context.Context, sessionID, userTask string) (*Workflow, error) {
	if _, err := m.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	wf := &Workflow{
		ID:           "wf-" + uuid.New().String(),
		SessionID:    sessionID,
		State:        StateIdle,
		UserTask:     userTask,
		Tasks:        make(map[string]*TaskNode),
		PhaseHistory: []string{string(StateIdle)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.workflows[wf.ID] = wf
	m.locks[wf.ID] = &sync.Mutex{}
	m.mu.Unlock()

	if err := m.sessions.AttachWorkflow(ctx, sessionID, wf.ID); err != nil {
		return nil, err
	}

	m.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("session_id", sessionID))
	m.broadcast(ctx, wf, map[string]any{})
	return wf, nil
}

// Get returns a snapshot of a workflow.
func (m *Manager) Get(id string) (*Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("workflow", id)
	}
	return wf, nil
}

// State returns the workflow's current FSM state.
func (m *Manager) State(id string) (State, error) {
	wf, err := m.Get(id)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	lock := m.locks[id]
	m.mu.RUnlock()
	lock.Lock()
	defer lock.Unlock()
	return wf.State, nil
}

// Task returns a snapshot of one task in the workflow.
func (m *Manager) Task(id, taskID string) (TaskNode, error) {
	wf, err := m.Get(id)
	if err != nil {
		return TaskNode{}, err
	}
	m.mu.RLock()
	lock := m.locks[id]
	m.mu.RUnlock()
	lock.Lock()
	defer lock.Unlock()
	task, ok := wf.Tasks[taskID]
	if !ok {
		return TaskNode{}, apperrors.NotFound("task", taskID)
	}
	return *task, nil
}

// TaskStates returns the state of every task keyed by task id.
func (m *Manager) TaskStates(id string) (map[string]TaskState, error) {
	wf, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	lock := m.locks[id]
	m.mu.RUnlock()
	lock.Lock()
	defer lock.Unlock()
	states := make(map[string]TaskState, len(wf.Tasks))
	for taskID, task := range wf.Tasks {
		states[taskID] = task.State
	}
	return states, nil
}

// Advance moves the workflow FSM along a legal edge, records the phase,
// snapshots a checkpoint, and broadcasts the update.
func (m *Manager) Advance(ctx context.Context, id string, to State) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		if err := checkTransition(wf.State, to); err != nil {
			return err
		}
		wf.State = to
		wf.PhaseHistory = append(wf.PhaseHistory, string(to))
		if to.IsTerminal() {
			m.discardPending(wf)
		}
		return nil
	})
}

// Fail moves the workflow to failed and persists the error so resume
// re-reads the same failure.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		if wf.State.IsTerminal() {
			return apperrors.Conflict("workflow '" + id + "' already terminal")
		}
		wf.State = StateFailed
		wf.Error = reason
		wf.PhaseHistory = append(wf.PhaseHistory, string(StateFailed))
		m.discardPending(wf)
		return nil
	})
}

// SetTasks installs the task arena after planning. The graph is
// validated and initially-unblocked tasks are promoted to ready.
func (m *Manager) SetTasks(ctx context.Context, id string, tasks []*TaskNode) error {
	if err := ValidateGraph(tasks); err != nil {
		return err
	}
	return m.update(ctx, id, func(wf *Workflow) error {
		now := time.Now().UTC()
		wf.Tasks = make(map[string]*TaskNode, len(tasks))
		for _, task := range tasks {
			if task.State == "" {
				task.State = TaskCreated
			}
			if task.MaxIterations <= 0 {
				task.MaxIterations = 3
			}
			if task.CreatedAt.IsZero() {
				task.CreatedAt = now
			}
			task.UpdatedAt = now
			wf.Tasks[task.ID] = task
		}
		wf.promoteReady()
		return nil
	})
}

// ReadyTasks returns the ids of tasks eligible for dispatch, sorted for
// deterministic ordering.
func (m *Manager) ReadyTasks(id string) ([]string, error) {
	wf, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	lock := m.locks[id]
	m.mu.RUnlock()
	lock.Lock()
	defer lock.Unlock()

	var ready []string
	for _, task := range wf.Tasks {
		if task.State == TaskReady {
			ready = append(ready, task.ID)
		}
	}
	sort.Strings(ready)
	return ready, nil
}

// MarkTaskDispatching moves a ready task into dispatching.
func (m *Manager) MarkTaskDispatching(ctx context.Context, id, taskID, agentID string) error {
	return m.updateTask(ctx, id, taskID, func(task *TaskNode) error {
		if err := task.transition(TaskDispatching); err != nil {
			return err
		}
		task.AssigneeAgentID = agentID
		return nil
	})
}

// MarkTaskDispatched records delivery to the agent.
func (m *Manager) MarkTaskDispatched(ctx context.Context, id, taskID string) error {
	return m.updateTask(ctx, id, taskID, func(task *TaskNode) error {
		return task.transition(TaskDispatched)
	})
}

// MarkTaskRunning records the agent picking the task up.
func (m *Manager) MarkTaskRunning(ctx context.Context, id, taskID string) error {
	return m.updateTask(ctx, id, taskID, func(task *TaskNode) error {
		return task.transition(TaskRunning)
	})
}

// HandleTaskResult settles a running task. Success moves it through
// execution_succeeded into done (the review loop, when enabled, runs
// before this is called) and promotes newly-unblocked tasks. Failure
// routes to rework while iterations remain, else blocked.
func (m *Manager) HandleTaskResult(ctx context.Context, id, taskID string, result TaskResult) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		task, ok := wf.Tasks[taskID]
		if !ok {
			return apperrors.NotFound("task", taskID)
		}
		task.Result = &result
		task.IterationCount++

		if result.Success {
			if err := task.transition(TaskExecutionSucceeded); err != nil {
				return err
			}
			if err := task.transition(TaskDone); err != nil {
				return err
			}
			wf.promoteReady()
			return nil
		}

		if err := task.transition(TaskExecutionFailed); err != nil {
			return err
		}
		if task.IterationCount < task.MaxIterations {
			if err := task.transition(TaskReworkRequired); err != nil {
				return err
			}
			return task.transition(TaskReady)
		}
		return task.transition(TaskBlocked)
	})
}

// AllTasksSettled reports whether every task in the workflow is terminal.
func (m *Manager) AllTasksSettled(id string) (settled, anyBlocked bool, err error) {
	wf, err := m.Get(id)
	if err != nil {
		return false, false, err
	}
	m.mu.RLock()
	lock := m.locks[id]
	m.mu.RUnlock()
	lock.Lock()
	defer lock.Unlock()
	return wf.allTasksSettled(), wf.anyTaskBlocked(), nil
}

// Pause suspends a non-terminal workflow, remembering the state to
// restore on resume.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		if err := checkTransition(wf.State, StatePaused); err != nil {
			return err
		}
		wf.resumeState = wf.State
		wf.State = StatePaused
		wf.PhaseHistory = append(wf.PhaseHistory, string(StatePaused))
		return nil
	})
}

// Resume restores the pre-pause state.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		if wf.State != StatePaused {
			return apperrors.Conflict("workflow '" + id + "' is not paused")
		}
		wf.State = wf.resumeState
		wf.resumeState = ""
		wf.PhaseHistory = append(wf.PhaseHistory, string(wf.State))
		return nil
	})
}

// Cancel terminates a workflow. The failure reason persists so later
// reads see why it stopped.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.Fail(ctx, id, "cancelled by user")
}

// Input routes user input into a workflow: the oldest pending ask for
// the workflow scope is resolved when one exists, otherwise the input is
// queued as a runtime instruction. Either way the update is broadcast
// with the user input attached.
func (m *Manager) Input(ctx context.Context, id, input string) (requestID string, queued bool, err error) {
	wf, err := m.Get(id)
	if err != nil {
		return "", false, err
	}

	scope := InstructionKey{Scope: ScopeWorkflow, ID: id}
	extra := map[string]any{"userInput": input}
	if resolvedID, ok := m.asks.ResolveOldest(scope, input); ok {
		extra["resolvedAskId"] = resolvedID
		m.broadcast(ctx, wf, extra)
		return resolvedID, false, nil
	}

	m.instructions.Push(scope, input)
	m.broadcast(ctx, wf, extra)
	return "", true, nil
}

// RestoreFromCheckpoint rebuilds the task arena of a workflow from the
// newest checkpoint in its session.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, id string) error {
	wf, err := m.Get(id)
	if err != nil {
		return err
	}
	cp, err := m.sessions.LatestCheckpoint(ctx, wf.SessionID)
	if err != nil {
		return err
	}
	return m.update(ctx, id, func(wf *Workflow) error {
		for _, progress := range cp.TaskProgress {
			task, ok := wf.Tasks[progress.TaskID]
			if !ok {
				task = &TaskNode{
					ID:          progress.TaskID,
					Description: progress.Description,
					CreatedAt:   cp.Timestamp,
				}
				wf.Tasks[task.ID] = task
			}
			task.State = TaskState(progress.State)
			task.AssigneeAgentID = progress.AssigneeID
			task.UpdatedAt = progress.UpdatedAt
			if progress.Output != "" || progress.Error != "" {
				task.Result = &TaskResult{
					Success: progress.Error == "",
					Output:  progress.Output,
					Error:   progress.Error,
				}
			}
		}
		wf.PhaseHistory = append([]string(nil), cp.PhaseHistory...)
		return nil
	})
}

// update runs fn under the workflow lock, bumps the timestamp, snapshots
// a checkpoint, and broadcasts the change.
func (m *Manager) update(ctx context.Context, id string, fn func(*Workflow) error) error {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	lock := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("workflow", id)
	}

	lock.Lock()
	err := fn(wf)
	if err == nil {
		wf.UpdatedAt = time.Now().UTC()
	}
	lock.Unlock()
	if err != nil {
		return err
	}

	m.checkpoint(ctx, wf)
	m.broadcast(ctx, wf, map[string]any{})
	return nil
}

func (m *Manager) updateTask(ctx context.Context, id, taskID string, fn func(*TaskNode) error) error {
	return m.update(ctx, id, func(wf *Workflow) error {
		task, ok := wf.Tasks[taskID]
		if !ok {
			return apperrors.NotFound("task", taskID)
		}
		return fn(task)
	})
}

// discardPending drops unconsumed instructions and unanswered asks when
// the workflow reaches a terminal state. Caller holds the workflow lock.
func (m *Manager) discardPending(wf *Workflow) {
	scope := InstructionKey{Scope: ScopeWorkflow, ID: wf.ID}
	m.instructions.Discard(scope)
	m.asks.Discard(scope)
}

// checkpoint snapshots the workflow into the session checkpoint store.
func (m *Manager) checkpoint(ctx context.Context, wf *Workflow) {
	m.mu.RLock()
	lock := m.locks[wf.ID]
	m.mu.RUnlock()
	lock.Lock()
	cp := &session.Checkpoint{
		SessionID:    wf.SessionID,
		WorkflowID:   wf.ID,
		OriginalTask: wf.UserTask,
		PhaseHistory: append([]string(nil), wf.PhaseHistory...),
	}
	for _, task := range wf.Tasks {
		progress := session.TaskProgress{
			TaskID:      task.ID,
			Description: task.Description,
			State:       string(task.State),
			AssigneeID:  task.AssigneeAgentID,
			UpdatedAt:   task.UpdatedAt,
		}
		if task.Result != nil {
			progress.Output = task.Result.Output
			progress.Error = task.Result.Error
		}
		cp.TaskProgress = append(cp.TaskProgress, progress)
		switch {
		case task.State == TaskDone:
			cp.CompletedTaskIDs = append(cp.CompletedTaskIDs, task.ID)
		case task.State == TaskBlocked, task.State == TaskExecutionFailed:
			cp.FailedTaskIDs = append(cp.FailedTaskIDs, task.ID)
		default:
			cp.PendingTaskIDs = append(cp.PendingTaskIDs, task.ID)
		}
	}
	lock.Unlock()

	if m.agentStates != nil {
		cp.AgentStates = m.agentStates()
	}

	sort.Slice(cp.TaskProgress, func(i, j int) bool { return cp.TaskProgress[i].TaskID < cp.TaskProgress[j].TaskID })
	sort.Strings(cp.CompletedTaskIDs)
	sort.Strings(cp.FailedTaskIDs)
	sort.Strings(cp.PendingTaskIDs)

	if err := m.sessions.SaveCheckpoint(ctx, cp); err != nil {
		m.logger.Warn("checkpoint save failed",
			zap.String("workflow_id", wf.ID),
			zap.Error(err))
	}
}

// broadcast publishes a workflow_update event with the current status.
func (m *Manager) broadcast(ctx context.Context, wf *Workflow, extra map[string]any) {
	if m.eventBus == nil {
		return
	}
	m.mu.RLock()
	lock := m.locks[wf.ID]
	m.mu.RUnlock()

	lock.Lock()
	taskUpdates := make(map[string]string, len(wf.Tasks))
	for taskID, task := range wf.Tasks {
		taskUpdates[taskID] = string(task.State)
	}
	data := map[string]any{
		"workflowId":    wf.ID,
		"sessionId":     wf.SessionID,
		"status":        string(wf.State),
		"fsmState":      string(wf.State),
		"taskUpdates":   taskUpdates,
		"executionPath": append([]string(nil), wf.PhaseHistory...),
	}
	if wf.Error != "" {
		data["error"] = wf.Error
	}
	lock.Unlock()

	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(events.WorkflowUpdate, "workflow-manager", data)
	if err := m.eventBus.Publish(ctx, events.BuildWorkflowUpdateSubject(wf.ID), event); err != nil {
		m.logger.Warn("workflow update publish failed",
			zap.String("workflow_id", wf.ID),
			zap.Error(err))
	}
}
