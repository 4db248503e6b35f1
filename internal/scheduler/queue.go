package scheduler

import (
	"container/heap"
	"sync"
	"time"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// QueuedTask is one deferred dispatch waiting for admission.
type QueuedTask struct {
	TaskID          string        `json:"task_id"`
	Description     string        `json:"description"`
	BasePriority    int           `json:"base_priority"`
	CurrentPriority int           `json:"current_priority"`
	QueuedAt        time.Time     `json:"queued_at"`
	Requirements    []Requirement `json:"requirements,omitempty"`
	index           int
}

// taskHeap orders by current priority descending, then queue time.
type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].CurrentPriority != h[j].CurrentPriority {
		return h[i].CurrentPriority > h[j].CurrentPriority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is an aging priority queue: on each Dequeue every waiting
// task's priority is recomputed as base + floor(wait / agingRate), so
// old low-priority tasks eventually outrank fresh high-priority ones.
// Nothing is evicted by time alone.
type TaskQueue struct {
	mu        sync.RWMutex
	heap      taskHeap
	taskMap   map[string]*QueuedTask
	maxSize   int
	agingRate time.Duration
}

// NewTaskQueue creates a queue. maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int, agingRate time.Duration) *TaskQueue {
	if agingRate <= 0 {
		agingRate = time.Second
	}
	q := &TaskQueue{
		heap:      make(taskHeap, 0),
		taskMap:   make(map[string]*QueuedTask),
		maxSize:   maxSize,
		agingRate: agingRate,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue appends a task. Duplicate ids and a full queue are conflicts.
func (q *TaskQueue) Enqueue(taskID, description string, priority int, requirements []Requirement) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return apperrors.Conflict("task '" + taskID + "' is already queued")
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return apperrors.ResourceError("scheduler queue is full")
	}

	qt := &QueuedTask{
		TaskID:          taskID,
		Description:     description,
		BasePriority:    priority,
		CurrentPriority: priority,
		QueuedAt:        time.Now(),
		Requirements:    requirements,
	}
	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
	return nil
}

// Dequeue reprioritizes with aging, then returns the highest-priority
// task the admit predicate accepts. Rejected tasks stay queued. Returns
// nil when nothing is admissible.
func (q *TaskQueue) Dequeue(admit func(*QueuedTask) bool) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, qt := range q.heap {
		qt.CurrentPriority = qt.BasePriority + int(now.Sub(qt.QueuedAt)/q.agingRate)
	}
	heap.Init(&q.heap)

	var skipped []*QueuedTask
	var picked *QueuedTask
	for len(q.heap) > 0 {
		qt := heap.Pop(&q.heap).(*QueuedTask)
		if admit == nil || admit(qt) {
			picked = qt
			delete(q.taskMap, qt.TaskID)
			break
		}
		skipped = append(skipped, qt)
	}
	for _, qt := range skipped {
		heap.Push(&q.heap, qt)
	}
	return picked
}

// Remove drops a task from the queue.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// List returns snapshots of every queued task.
func (q *TaskQueue) List() []QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QueuedTask, 0, len(q.heap))
	for _, qt := range q.heap {
		out = append(out, *qt)
	}
	return out
}
