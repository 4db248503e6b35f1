package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/config"
	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

// DenyResourceUnmet is the literal deny reason for an unmet resource
// requirement.
const DenyResourceUnmet = "资源不满足"

// Task is the unit evaluated for admission.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        string    `json:"type,omitempty"` // inferred from description when empty
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at,omitempty"` // when the task first asked to run
}

// Decision is the outcome of an admission evaluation.
type Decision struct {
	Allowed             bool      `json:"allowed"`
	Reason              string    `json:"reason,omitempty"`
	EstimatedStartTime  time.Time `json:"estimated_start_time,omitempty"`
	EstimatedDurationMs int       `json:"estimated_duration_ms,omitempty"`
	BenefitScore        float64   `json:"benefit_score,omitempty"`
	ResourceAllocation  []string  `json:"resource_allocation,omitempty"`
	TaskType            string    `json:"task_type,omitempty"`
}

// Status is the scheduler snapshot served on the status endpoint.
type Status struct {
	ActiveTasks   int        `json:"active_tasks"`
	QueuedTasks   int        `json:"queued_tasks"`
	Degraded      bool       `json:"degraded"`
	MaxConcurrent int        `json:"max_concurrent"`
	AvgLatencyMs  int64      `json:"avg_latency_ms"` // mean enqueue-to-start wait, recent window
	Resources     []Resource `json:"resources"`
}

type activeTask struct {
	taskID     string
	taskType   string
	resources  []string
	startedAt  time.Time
	enqueuedAt time.Time
}

// Scheduler admits or defers dispatches based on resources, payoff, and
// concurrency caps, degrading under pressure.
type Scheduler struct {
	cfg       config.SchedulerConfig
	resources *ResourcePool
	estimator *Estimator
	queue     *TaskQueue
	history   *TaskHistory
	eventBus  bus.EventBus
	logger    *logger.Logger

	mu        sync.Mutex
	active    map[string]*activeTask
	typeCaps  map[string]int
	degraded  bool
	latencies []time.Duration
}

// New creates a scheduler. history may be nil; adaptive estimation then
// falls back to the static table.
func New(cfg config.SchedulerConfig, resources *ResourcePool, history *TaskHistory, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	var stats HistoryStats
	if history != nil {
		stats = history
	}
	agingRate := time.Duration(cfg.AgingRateMs) * time.Millisecond
	return &Scheduler{
		cfg:       cfg,
		resources: resources,
		estimator: NewEstimator(cfg.EstimateMode, cfg.AdaptiveHistoryWeight, stats),
		queue:     NewTaskQueue(0, agingRate),
		history:   history,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		active:    make(map[string]*activeTask),
		typeCaps:  make(map[string]int),
	}
}

// SetTypeCap limits concurrent tasks of one type. Zero removes the cap.
func (s *Scheduler) SetTypeCap(taskType string, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 {
		delete(s.typeCaps, taskType)
		return
	}
	s.typeCaps[taskType] = max
}

// EvaluateScheduling runs the admission pipeline: resource check, time
// estimate, benefit score, concurrency check, degradation.
func (s *Scheduler) EvaluateScheduling(ctx context.Context, task Task, requirements []Requirement) Decision {
	taskType := task.Type
	if taskType == "" {
		taskType = inferTaskType(task.Description)
	}
	decision := Decision{TaskType: taskType}

	// 1. Resource check.
	counts, allMet := s.resources.Match(requirements)
	if !allMet {
		decision.Reason = DenyResourceUnmet
		return decision
	}

	// 2. Time estimate.
	durationMs := s.estimator.Estimate(taskType)
	decision.EstimatedDurationMs = durationMs

	// 3. Benefit score: long tasks amortize scheduling overhead better;
	// scarce requirements cost 0.1 each.
	overhead := float64(s.cfg.SchedulingOverheadMs)
	benefit := float64(durationMs) / (float64(durationMs) + overhead)
	for _, count := range counts {
		if count <= 1 {
			benefit -= 0.1
		}
	}
	if benefit < 0 {
		benefit = 0
	}
	if benefit > 1 {
		benefit = 1
	}
	decision.BenefitScore = benefit

	s.mu.Lock()
	defer s.mu.Unlock()

	// 4. Concurrency check.
	effectiveMax := s.cfg.GlobalMaxConcurrency
	if s.degraded {
		effectiveMax = s.cfg.DegradedMaxConcurrency
	}
	if len(s.active) >= effectiveMax {
		decision.Reason = "concurrency limit reached"
		return decision
	}
	if limit, ok := s.typeCaps[taskType]; ok {
		running := 0
		for _, at := range s.active {
			if at.taskType == taskType {
				running++
			}
		}
		if running >= limit {
			decision.Reason = "per-type concurrency limit reached for '" + taskType + "'"
			return decision
		}
	}

	// 5. Degradation gate.
	s.updateDegradationLocked(ctx)
	if s.degraded && s.cfg.PauseNewDispatches {
		decision.Reason = "scheduler degraded, new dispatches paused"
		return decision
	}

	// 6. Approval.
	decision.Allowed = true
	decision.EstimatedStartTime = time.Now().UTC()
	return decision
}

// Admit gates a single dispatch through the admission pipeline. It is
// the hook the agent dispatcher calls before routing a task.
func (s *Scheduler) Admit(ctx context.Context, taskID, description string) error {
	decision := s.EvaluateScheduling(ctx, Task{ID: taskID, Description: description}, nil)
	if !decision.Allowed {
		return apperrors.ResourceError(decision.Reason)
	}
	return nil
}

// beginPollInterval is how often Begin re-evaluates admission while
// waiting for a slot.
const beginPollInterval = 25 * time.Millisecond

// Begin reserves an execution slot for a task, waiting until the
// pipeline admits it. The wait is recorded as scheduling latency when
// the task completes. It is the hook the agent dispatcher calls right
// before handing a task to its executor.
func (s *Scheduler) Begin(ctx context.Context, taskID, description, sessionID, workflowID string) error {
	task := Task{ID: taskID, Description: description, EnqueuedAt: time.Now().UTC()}
	for {
		if s.EvaluateScheduling(ctx, task, nil).Allowed {
			_, err := s.StartTask(ctx, task, nil, sessionID, workflowID)
			if err == nil {
				return nil
			}
			// A lost race for the last slot keeps waiting; anything
			// else is a real failure.
			if !apperrors.IsKind(err, apperrors.ErrCodeResource) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(beginPollInterval):
		}
	}
}

// End releases the slot reserved by Begin and records the outcome.
func (s *Scheduler) End(ctx context.Context, taskID string, success bool) {
	if err := s.CompleteTask(ctx, taskID, success); err != nil {
		s.logger.Warn("task completion not recorded",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// Enqueue defers a task until resources free up.
func (s *Scheduler) Enqueue(task Task, requirements []Requirement) error {
	return s.queue.Enqueue(task.ID, task.Description, task.Priority, requirements)
}

// DequeueAdmissible reprioritizes the queue with aging and returns the
// first task the pipeline admits, with its decision. Nil when nothing
// can run.
func (s *Scheduler) DequeueAdmissible(ctx context.Context) (*QueuedTask, *Decision) {
	var admitted Decision
	qt := s.queue.Dequeue(func(candidate *QueuedTask) bool {
		decision := s.EvaluateScheduling(ctx, Task{
			ID:          candidate.TaskID,
			Description: candidate.Description,
			Priority:    candidate.BasePriority,
		}, candidate.Requirements)
		if decision.Allowed {
			admitted = decision
			return true
		}
		return false
	})
	if qt == nil {
		return nil, nil
	}
	return qt, &admitted
}

// StartTask allocates resources and marks the task active. The global
// concurrency cap is enforced here atomically, so racing callers cannot
// overshoot it between evaluation and start. Task.EnqueuedAt, when set,
// is preserved for latency accounting.
func (s *Scheduler) StartTask(ctx context.Context, task Task, requirements []Requirement, sessionID, workflowID string) ([]string, error) {
	taskType := task.Type
	if taskType == "" {
		taskType = inferTaskType(task.Description)
	}

	allocated, err := s.resources.Allocate(requirements, sessionID, workflowID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	enqueuedAt := task.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}

	s.mu.Lock()
	effectiveMax := s.cfg.GlobalMaxConcurrency
	if s.degraded {
		effectiveMax = s.cfg.DegradedMaxConcurrency
	}
	if len(s.active) >= effectiveMax {
		s.mu.Unlock()
		s.resources.Release(allocated)
		return nil, apperrors.ResourceError("concurrency limit reached")
	}
	if _, exists := s.active[task.ID]; exists {
		s.mu.Unlock()
		s.resources.Release(allocated)
		return nil, apperrors.Conflict("task '" + task.ID + "' is already active")
	}
	s.active[task.ID] = &activeTask{
		taskID:     task.ID,
		taskType:   taskType,
		resources:  allocated,
		startedAt:  now,
		enqueuedAt: enqueuedAt,
	}
	s.updateDegradationLocked(ctx)
	s.mu.Unlock()
	return allocated, nil
}

// CompleteTask releases the task's resources, folds the run into the
// history, and re-evaluates degradation.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID string, success bool) error {
	s.mu.Lock()
	at, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NotFound("active task", taskID)
	}
	delete(s.active, taskID)
	latency := at.startedAt.Sub(at.enqueuedAt)
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > 100 {
		s.latencies = s.latencies[len(s.latencies)-100:]
	}
	s.mu.Unlock()

	s.resources.Release(at.resources)

	if s.history != nil {
		duration := time.Since(at.startedAt)
		if err := s.history.Record(ctx, at.taskType, duration, success); err != nil {
			s.logger.Warn("failed to record task history", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.updateDegradationLocked(ctx)
	s.mu.Unlock()
	return nil
}

// Status returns the scheduler snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	effectiveMax := s.cfg.GlobalMaxConcurrency
	if s.degraded {
		effectiveMax = s.cfg.DegradedMaxConcurrency
	}
	status := Status{
		ActiveTasks:   len(s.active),
		Degraded:      s.degraded,
		MaxConcurrent: effectiveMax,
	}
	if n := len(s.latencies); n > 0 {
		var sum time.Duration
		for _, latency := range s.latencies {
			sum += latency
		}
		status.AvgLatencyMs = (sum / time.Duration(n)).Milliseconds()
	}
	s.mu.Unlock()

	status.QueuedTasks = s.queue.Len()
	status.Resources = s.resources.Snapshot()
	return status
}

// updateDegradationLocked recomputes the degradation mode from resource
// usage. Caller holds the lock.
func (s *Scheduler) updateDegradationLocked(ctx context.Context) {
	busy, total := s.resources.Usage()
	if total == 0 {
		return
	}
	usage := float64(busy) / float64(total)

	if !s.degraded && usage > s.cfg.ResourceUsageThreshold {
		s.degraded = true
		s.logger.Warn("scheduler entering degraded mode",
			zap.Float64("usage", usage),
			zap.Float64("threshold", s.cfg.ResourceUsageThreshold))
		s.publish(ctx, events.SchedulerDegraded, usage)
	} else if s.degraded && usage <= s.cfg.ResourceUsageThreshold {
		s.degraded = false
		s.logger.Info("scheduler recovered from degraded mode", zap.Float64("usage", usage))
		s.publish(ctx, events.SchedulerRecovered, usage)
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, usage float64) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "scheduler", map[string]any{
		"usage":     usage,
		"threshold": s.cfg.ResourceUsageThreshold,
	})
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("scheduler event publish failed", zap.Error(err))
	}
}
