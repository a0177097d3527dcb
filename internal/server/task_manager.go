package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus names the lifecycle states of an async task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one long-running operation, such as a checkpoint save.
// Handlers return its ID immediately and clients poll for the outcome.
type Task struct {
	id      string
	created time.Time

	mu       sync.Mutex
	status   TaskStatus
	progress string
	errMsg   string
	result   any
}

// ID returns the task's identifier.
func (t *Task) ID() string { return t.id }

// SetRunning marks the task in progress with a human-readable note.
func (t *Task) SetRunning(progress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusRunning
	t.progress = progress
}

// Complete marks the task done and stores its result for polling clients.
func (t *Task) Complete(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusCompleted
	t.progress = ""
	t.result = result
}

// Fail marks the task failed and records the error message.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusFailed
	t.errMsg = err.Error()
}

// Snapshot returns a consistent copy safe to serialize while the task
// keeps mutating.
func (t *Task) Snapshot() TaskResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskResponse{
		ID:              t.id,
		Status:          t.status,
		ProgressMessage: t.progress,
		Error:           t.errMsg,
		Result:          t.result,
	}
}

// TaskManager tracks async tasks by ID. Completed tasks are kept so a
// client that polls late still finds its outcome; the retention cap
// evicts the oldest finished tasks first.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	keep  int
}

// NewTaskManager returns an empty manager retaining up to 256 tasks.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
		keep:  256,
	}
}

// NewTask registers and returns a fresh pending task.
func (tm *TaskManager) NewTask() *Task {
	task := &Task{
		id:      uuid.New().String(),
		created: time.Now(),
		status:  TaskStatusPending,
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tasks[task.id] = task
	tm.order = append(tm.order, task.id)
	tm.evictLocked()
	return task
}

// Get retrieves a task by its ID.
func (tm *TaskManager) Get(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

// evictLocked drops the oldest finished tasks above the retention cap.
// Pending and running tasks are never evicted.
func (tm *TaskManager) evictLocked() {
	if len(tm.order) <= tm.keep {
		return
	}
	kept := tm.order[:0]
	excess := len(tm.order) - tm.keep
	for _, id := range tm.order {
		t := tm.tasks[id]
		if excess > 0 && t != nil && t.finished() {
			delete(tm.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	tm.order = kept
}

func (t *Task) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == TaskStatusCompleted || t.status == TaskStatusFailed
}
