package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/session"
)

// minQueueWait is the floor for blocking dispatch waits.
const minQueueWait = time.Second

// dispatchQueueCap bounds how many tasks may wait per agent.
const dispatchQueueCap = 32

// Admission gates dispatches on scheduler policy and accounts for task
// execution. A nil Admission admits everything and tracks nothing.
type Admission interface {
	// Admit is the cheap pre-queue check at dispatch time.
	Admit(ctx context.Context, taskID, description string) error
	// Begin reserves an execution slot right before the task runs,
	// blocking until capacity frees.
	Begin(ctx context.Context, taskID, description, sessionID, workflowID string) error
	// End releases the slot and records the outcome.
	End(ctx context.Context, taskID string, success bool)
}

// Executor hands a task to a running agent and returns its output.
type Executor interface {
	Execute(ctx context.Context, agentID string, task DispatchTask) (string, error)
}

// DispatchTask is the unit handed to a target agent.
type DispatchTask struct {
	TaskID       string `json:"task_id"`
	Description  string `json:"description"`
	SessionID    string `json:"session_id"` // sub-session owned by the target
	WorkflowID   string `json:"workflow_id,omitempty"`
	SourceAgent  string `json:"source_agent,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// DispatchRequest asks the pool to route a task to a target agent.
type DispatchRequest struct {
	SourceAgentID  string
	SessionID      string // dispatching agent's session
	TargetAgentID  string
	TaskID         string
	WorkflowID     string
	Description    string
	Blocking       bool
	QueueOnBusy    bool
	MaxQueueWaitMs int
}

// DispatchResult reports a dispatch outcome.
type DispatchResult struct {
	TaskID       string `json:"task_id"`
	SubSessionID string `json:"sub_session_id"`
	Queued       bool   `json:"queued"`
	Output       string `json:"output,omitempty"`
}

type dispatchItem struct {
	task DispatchTask
	done chan dispatchDone
}

type dispatchDone struct {
	output string
	err    error
}

// Dispatcher routes tasks between agents: admission, busy handling,
// sub-session creation, and per-agent serialized execution.
type Dispatcher struct {
	pool      *Pool
	sessions  *session.Store
	admission Admission
	executor  Executor
	logger    *logger.Logger

	mu     sync.Mutex
	queues map[string]chan *dispatchItem
}

// NewDispatcher creates a dispatcher over the pool. admission may be
// nil to skip scheduler gating (used by tests).
func NewDispatcher(pool *Pool, sessions *session.Store, admission Admission, executor Executor, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		sessions:  sessions,
		admission: admission,
		executor:  executor,
		logger:    log.WithFields(zap.String("component", "agent-dispatcher")),
		queues:    make(map[string]chan *dispatchItem),
	}
}

// Dispatch routes a task from a source agent to a target agent. Blocking
// dispatches wait for completion up to MaxQueueWaitMs (floored at 1s);
// non-blocking dispatches return once the task is queued.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	instance, err := d.pool.Get(req.TargetAgentID)
	if err != nil {
		return nil, err
	}

	if d.admission != nil {
		if err := d.admission.Admit(ctx, req.TaskID, req.Description); err != nil {
			// A capacity denial only rejects callers unwilling to wait;
			// queued tasks reserve their slot at execution time.
			if !req.QueueOnBusy || !apperrors.IsKind(err, apperrors.ErrCodeResource) {
				return nil, err
			}
		}
	}

	if !instance.State.HasProcess() {
		return nil, apperrors.Conflict("agent '" + req.TargetAgentID + "' is not running")
	}
	if instance.State == LifecycleBusy && !req.QueueOnBusy {
		return nil, apperrors.Conflict("target_busy")
	}

	// The target works in its own sub-session: context isolation with
	// lineage back to the dispatching session.
	subSession, err := d.sessions.CreateChild(ctx, req.SessionID, req.TargetAgentID)
	if err != nil {
		return nil, err
	}

	cfg, err := d.pool.Config(req.TargetAgentID)
	if err != nil {
		return nil, err
	}
	item := &dispatchItem{
		task: DispatchTask{
			TaskID:       req.TaskID,
			Description:  req.Description,
			SessionID:    subSession.ID,
			WorkflowID:   req.WorkflowID,
			SourceAgent:  req.SourceAgentID,
			SystemPrompt: cfg.SystemPrompt,
		},
		done: make(chan dispatchDone, 1),
	}

	queue := d.queueFor(req.TargetAgentID)
	select {
	case queue <- item:
	default:
		return nil, apperrors.Conflict("agent '" + req.TargetAgentID + "' dispatch queue is full")
	}

	d.logger.Debug("task dispatched",
		zap.String("task_id", req.TaskID),
		zap.String("source", req.SourceAgentID),
		zap.String("target", req.TargetAgentID),
		zap.Bool("blocking", req.Blocking))

	result := &DispatchResult{TaskID: req.TaskID, SubSessionID: subSession.ID, Queued: true}
	if !req.Blocking {
		return result, nil
	}

	wait := time.Duration(req.MaxQueueWaitMs) * time.Millisecond
	if wait < minQueueWait {
		wait = minQueueWait
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case done := <-item.done:
		if done.err != nil {
			return nil, done.err
		}
		result.Queued = false
		result.Output = done.output
		return result, nil
	case <-time.After(wait):
		return nil, apperrors.TimeoutError("dispatch to agent '"+req.TargetAgentID+"'", wait)
	}
}

// queueFor returns the per-agent work queue, starting its worker on
// first use.
func (d *Dispatcher) queueFor(agentID string) chan *dispatchItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, ok := d.queues[agentID]
	if !ok {
		queue = make(chan *dispatchItem, dispatchQueueCap)
		d.queues[agentID] = queue
		go d.work(agentID, queue)
	}
	return queue
}

// work drains one agent's queue, serializing execution and keeping the
// busy/idle state and the scheduler's accounting in step.
func (d *Dispatcher) work(agentID string, queue chan *dispatchItem) {
	for item := range queue {
		ctx := context.Background()
		if d.admission != nil {
			if err := d.admission.Begin(ctx, item.task.TaskID, item.task.Description,
				item.task.SessionID, item.task.WorkflowID); err != nil {
				item.done <- dispatchDone{err: err}
				continue
			}
		}
		if err := d.pool.SetBusy(ctx, agentID, item.task.TaskID); err != nil {
			if d.admission != nil {
				d.admission.End(ctx, item.task.TaskID, false)
			}
			item.done <- dispatchDone{err: err}
			continue
		}

		output, err := d.executor.Execute(ctx, agentID, item.task)
		if idleErr := d.pool.SetIdle(ctx, agentID); idleErr != nil {
			d.logger.Warn("failed to mark agent idle",
				zap.String("agent_id", agentID),
				zap.Error(idleErr))
		}
		if d.admission != nil {
			d.admission.End(ctx, item.task.TaskID, err == nil)
		}
		item.done <- dispatchDone{output: output, err: err}
	}
}
