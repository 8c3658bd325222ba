package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"offline-reader/internal/domain"
)

// Executor runs one admitted task to a terminal outcome. A nil return means
// the task completed; a context cancellation is interpreted by the queue as
// pause or cancel depending on which was requested.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *domain.Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) error {
	return f(ctx, task)
}

// Config carries queue construction options.
type Config struct {
	// MaxConcurrent bounds how many tasks may be Downloading at once.
	MaxConcurrent int
	Logger        *logrus.Logger
	// OnComplete is invoked (outside the queue lock) after a task reaches
	// Completed, before observers are notified.
	OnComplete func(task *domain.Task)
	// OnChange is invoked (outside the queue lock) after any state change.
	OnChange func()
}

type handle struct {
	task            *domain.Task
	cancel          context.CancelFunc
	pauseRequested  bool
	cancelRequested bool
}

// Queue schedules download tasks under a bounded concurrency ceiling.
// Admission is FIFO among pending tasks; a freed slot is reused immediately
// after every terminal transition. The queue itself never fails: only tasks
// carry errors.
type Queue struct {
	exec       Executor
	log        *logrus.Logger
	onComplete func(task *domain.Task)
	onChange   func()

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	maxConcurrent int
	closed        bool
	pending       []*domain.Task
	running       map[domain.TaskKey]*handle
	paused        map[domain.TaskKey]*domain.Task
	failed        map[domain.TaskKey]*domain.Task
	completed     map[domain.TaskKey]struct{}
}

func New(exec Executor, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:          exec,
		log:           cfg.Logger,
		onComplete:    cfg.OnComplete,
		onChange:      cfg.OnChange,
		baseCtx:       ctx,
		cancelBase:    cancel,
		maxConcurrent: cfg.MaxConcurrent,
		running:       make(map[domain.TaskKey]*handle),
		paused:        make(map[domain.TaskKey]*domain.Task),
		failed:        make(map[domain.TaskKey]*domain.Task),
		completed:     make(map[domain.TaskKey]struct{}),
	}
}

// Enqueue appends the task to the pending set and immediately attempts
// admission.
func (q *Queue) Enqueue(task *domain.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue is shut down")
	}
	if q.holdsKeyLocked(task.Key) {
		q.mu.Unlock()
		return domain.ErrDuplicateTask
	}
	q.pending = append(q.pending, task)
	q.admitLocked()
	q.mu.Unlock()

	q.changed()
	return nil
}

// Pause stops a Downloading task from issuing new sub-work. The executor's
// context is cancelled; already written files remain on disk and are
// skipped on resume.
func (q *Queue) Pause(key domain.TaskKey) error {
	q.mu.Lock()
	h, ok := q.running[key]
	if !ok {
		q.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	h.pauseRequested = true
	h.cancel()
	q.mu.Unlock()

	q.changed()
	return nil
}

// Resume re-enqueues a Paused task at the back of the pending set and
// re-triggers admission. The task keeps its Paused status until a slot
// admits it back to Downloading.
func (q *Queue) Resume(key domain.TaskKey) error {
	q.mu.Lock()
	task, ok := q.paused[key]
	if !ok {
		q.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	delete(q.paused, key)
	q.pending = append(q.pending, task)
	q.admitLocked()
	q.mu.Unlock()

	q.changed()
	return nil
}

// Cancel removes a pending task, stops a running one, or discards a paused
// one. Cancellation is a normal terminal path, never surfaced as a failure,
// and nothing is ever persisted for a cancelled task.
func (q *Queue) Cancel(key domain.TaskKey) error {
	q.mu.Lock()
	if h, ok := q.running[key]; ok {
		h.cancelRequested = true
		h.cancel()
		q.mu.Unlock()
		q.changed()
		return nil
	}
	if task, ok := q.paused[key]; ok {
		delete(q.paused, key)
		_ = task.Transition(domain.TaskStatusCancelled)
		q.mu.Unlock()
		q.changed()
		return nil
	}
	for i, task := range q.pending {
		if task.Key == key {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			_ = task.Transition(domain.TaskStatusCancelled)
			q.mu.Unlock()
			q.changed()
			return nil
		}
	}
	q.mu.Unlock()
	return domain.ErrTaskNotFound
}

// Retry re-admits a Failed task: error and counters are cleared and the
// task returns to the pending set. This is the only permitted transition
// out of a terminal status.
func (q *Queue) Retry(key domain.TaskKey) error {
	q.mu.Lock()
	task, ok := q.failed[key]
	if !ok {
		q.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if err := task.Transition(domain.TaskStatusPending); err != nil {
		q.mu.Unlock()
		return err
	}
	delete(q.failed, key)
	q.pending = append(q.pending, task)
	q.admitLocked()
	q.mu.Unlock()

	q.changed()
	return nil
}

// SetMaxConcurrent adjusts the concurrency ceiling at runtime. Raising it
// admits waiting tasks immediately; lowering it takes effect as running
// tasks finish.
func (q *Queue) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.admitLocked()
	q.mu.Unlock()

	q.changed()
}

// Snapshot is a copy of the queue's observable state. Tasks are grouped by
// queue position, not by status: a resumed task waits in Pending still
// carrying status Paused until a free slot admits it back to Downloading.
type Snapshot struct {
	Pending   []domain.TaskSnapshot `json:"pending"`
	Running   []domain.TaskSnapshot `json:"running"`
	Paused    []domain.TaskSnapshot `json:"paused"`
	Failed    []domain.TaskSnapshot `json:"failed"`
	Completed []domain.TaskKey      `json:"completed"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	pending := make([]*domain.Task, len(q.pending))
	copy(pending, q.pending)
	running := make([]*domain.Task, 0, len(q.running))
	for _, h := range q.running {
		running = append(running, h.task)
	}
	paused := make([]*domain.Task, 0, len(q.paused))
	for _, t := range q.paused {
		paused = append(paused, t)
	}
	failed := make([]*domain.Task, 0, len(q.failed))
	for _, t := range q.failed {
		failed = append(failed, t)
	}
	completed := make([]domain.TaskKey, 0, len(q.completed))
	for k := range q.completed {
		completed = append(completed, k)
	}
	q.mu.Unlock()

	return Snapshot{
		Pending:   snapshots(pending),
		Running:   snapshots(running),
		Paused:    snapshots(paused),
		Failed:    snapshots(failed),
		Completed: completed,
	}
}

func snapshots(tasks []*domain.Task) []domain.TaskSnapshot {
	out := make([]domain.TaskSnapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// RunningCount reports how many tasks are currently Downloading.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Shutdown stops admission, interrupts running tasks as if paused, and
// waits for their executors to return. Interrupted tasks stay resumable.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	for _, h := range q.running {
		h.pauseRequested = true
		h.cancel()
	}
	q.mu.Unlock()

	q.cancelBase()
	q.wg.Wait()
}

// holdsKeyLocked reports whether the key is already pending, running,
// paused, or failed. Failed tasks re-enter through Retry; completed keys
// may be enqueued again after deletion from the library.
func (q *Queue) holdsKeyLocked(key domain.TaskKey) bool {
	if _, ok := q.running[key]; ok {
		return true
	}
	if _, ok := q.paused[key]; ok {
		return true
	}
	if _, ok := q.failed[key]; ok {
		return true
	}
	for _, t := range q.pending {
		if t.Key == key {
			return true
		}
	}
	return false
}

// admitLocked promotes pending tasks to Downloading while free slots
// remain. Callers hold q.mu.
func (q *Queue) admitLocked() {
	for !q.closed && len(q.running) < q.maxConcurrent && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending = q.pending[1:]

		// Paused tasks re-enter through the pending set and transition
		// Paused -> Downloading here.
		if err := task.Transition(domain.TaskStatusDownloading); err != nil {
			q.log.WithField("task", task.Key.String()).Warnf("admission skipped: %v", err)
			continue
		}

		ctx, cancel := context.WithCancel(q.baseCtx)
		h := &handle{task: task, cancel: cancel}
		q.running[task.Key] = h

		q.wg.Add(1)
		go q.run(ctx, h)
	}
}

func (q *Queue) run(ctx context.Context, h *handle) {
	defer q.wg.Done()
	defer h.cancel()

	err := q.exec.Execute(ctx, h.task)
	q.finish(h, err)
}

func (q *Queue) finish(h *handle, execErr error) {
	task := h.task
	log := q.log.WithField("task", task.Key.String())

	q.mu.Lock()
	delete(q.running, task.Key)

	var completedTask *domain.Task
	switch {
	case h.cancelRequested:
		_ = task.Transition(domain.TaskStatusCancelled)
		log.Info("task cancelled")
	case h.pauseRequested:
		_ = task.Transition(domain.TaskStatusPaused)
		q.paused[task.Key] = task
		log.Info("task paused")
	case execErr == nil:
		_ = task.Transition(domain.TaskStatusCompleted)
		q.completed[task.Key] = struct{}{}
		completedTask = task
		log.Info("task completed")
	case errors.Is(execErr, context.Canceled):
		// Executor aborted because the queue is shutting down; leave the
		// task out of the failed set so it can be resumed on next start.
		_ = task.Transition(domain.TaskStatusPaused)
		q.paused[task.Key] = task
		log.Info("task interrupted by shutdown")
	default:
		task.SetError(execErr)
		_ = task.Transition(domain.TaskStatusFailed)
		q.failed[task.Key] = task
		log.Errorf("task failed: %v", execErr)
	}
	q.admitLocked()
	q.mu.Unlock()

	if completedTask != nil && q.onComplete != nil {
		q.onComplete(completedTask)
	}
	q.changed()
}

func (q *Queue) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}
