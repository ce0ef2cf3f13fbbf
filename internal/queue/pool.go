package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldriver/messagepusher/internal/shared"
	"github.com/coldriver/messagepusher/internal/telemetry"
)

const (
	DefaultWorkers    = 5
	DefaultRetryDelay = 5 * time.Second
	DefaultMaxRetries = 3

	popWait = 1 * time.Second
)

type Handler func(ctx context.Context, task *Task) error

type Config struct {
	Workers    int
	RetryDelay time.Duration
	MaxRetries int
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics // optional
}

// Pool is a process-local priority queue with a fixed set of workers.
// Tasks stay in the index map after finishing until purged, so callers can
// inspect terminal state by id.
type Pool struct {
	workers    int
	retryDelay time.Duration
	maxRetries int
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	heap     taskHeap
	tasks    map[string]*Task
	handlers map[Type]Handler
	timers   map[string]*time.Timer
	nextSeq  uint64
	stopped  bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		workers:    cfg.Workers,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With("component", "queue"),
		metrics:    cfg.Metrics,
		tasks:      make(map[string]*Task),
		handlers:   make(map[Type]Handler),
		timers:     make(map[string]*time.Timer),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// RegisterHandler wires a handler for one task type. At most one handler
// per type; re-registration is a programming error.
func (p *Pool) RegisterHandler(taskType Type, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[taskType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, taskType)
	}
	p.handlers[taskType] = h
	return nil
}

// Submit admits a task and returns its id. A zero MaxRetries inherits the
// pool default.
func (p *Pool) Submit(task *Task) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrQueueStopped
	}
	if _, ok := p.handlers[task.Type]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, task.Type)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = p.maxRetries
	}
	task.Status = StatusPending
	task.CreatedAt = time.Now().UTC()
	p.tasks[task.ID] = task
	p.admitLocked(task)
	p.logger.Debug("task submitted", "task_id", task.ID, "type", string(task.Type), "priority", task.Priority.String())
	return task.ID, nil
}

func (p *Pool) admitLocked(task *Task) {
	task.seq = p.nextSeq
	p.nextSeq++
	heap.Push(&p.heap, &heapEntry{taskID: task.ID, priority: task.Priority, seq: task.seq})
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(p.heap.Len()))
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Get returns a snapshot of the task, or ErrTaskNotFound.
func (p *Pool) Get(id string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// Cancel succeeds only while the task is still pending. The heap entry is
// left in place; workers skip non-pending pops.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, task.Status)
	}
	task.Status = StatusCancelled
	task.CompletedAt = time.Now().UTC()
	return nil
}

// Retry re-admits a failed (or retry-scheduled) task: resets to pending,
// clears the error, bumps retry_count.
func (p *Pool) Retry(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusFailed && task.Status != StatusRetrying {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return fmt.Errorf("%w: %s retry budget exhausted", ErrNotRetryable, id)
	}
	delete(p.timers, id)
	task.Status = StatusPending
	task.Error = ""
	task.RetryCount++
	p.admitLocked(task)
	if p.metrics != nil {
		p.metrics.RetryAttemptsTotal.WithLabelValues("task").Inc()
	}
	return nil
}

// PurgeCompleted drops completed and cancelled tasks older than maxAge and
// returns how many went away.
func (p *Pool) PurgeCompleted(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	purged := 0
	for id, task := range p.tasks {
		if task.Status != StatusCompleted && task.Status != StatusCancelled {
			continue
		}
		done := task.CompletedAt
		if done.IsZero() {
			done = task.CreatedAt
		}
		if done.Before(cutoff) {
			delete(p.tasks, id)
			purged++
		}
	}
	return purged
}

// Stats reports queue depth and per-status task counts.
func (p *Pool) Stats() (depth int, byStatus map[Status]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byStatus = make(map[Status]int)
	for _, task := range p.tasks {
		byStatus[task.Status]++
	}
	return p.heap.Len(), byStatus
}

// Start launches the workers. They run until Stop or context cancellation,
// finishing any in-flight task first.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
	return nil
}

// Stop flips the stop flag and waits for the workers to drain. Pending
// retry timers are discarded.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", worker)
	for {
		task := p.pop(ctx)
		if task == nil {
			return
		}
		p.runTask(ctx, logger, task)
	}
}

// pop blocks until a pending task is available or the pool stops. Stale
// heap entries (cancelled or re-admitted tasks) are discarded silently.
// The stop flag is re-checked before every pop, so a stopping pool exits
// after the in-flight task instead of draining the backlog.
func (p *Pool) pop(ctx context.Context) *Task {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil
		}
		for p.heap.Len() > 0 {
			entry := heap.Pop(&p.heap).(*heapEntry)
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(float64(p.heap.Len()))
			}
			task, ok := p.tasks[entry.taskID]
			if !ok || task.Status != StatusPending || task.seq != entry.seq {
				continue
			}
			task.Status = StatusProcessing
			task.StartedAt = time.Now().UTC()
			p.mu.Unlock()
			return task
		}
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-p.wake:
		case <-time.After(popWait):
		}
	}
}

func (p *Pool) runTask(ctx context.Context, logger *slog.Logger, task *Task) {
	p.mu.Lock()
	handler := p.handlers[task.Type]
	p.mu.Unlock()

	taskCtx := shared.WithTaskID(ctx, task.ID)
	err := p.invoke(taskCtx, handler, task)

	p.mu.Lock()
	if err == nil {
		task.Status = StatusCompleted
		task.CompletedAt = time.Now().UTC()
		cb := task.Callback
		snapshot := task.clone()
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.TasksCompletedTotal.WithLabelValues(string(task.Type), string(StatusCompleted)).Inc()
		}
		p.runCallback(logger, cb, snapshot)
		return
	}

	task.Status = StatusFailed
	task.Error = err.Error()
	task.CompletedAt = time.Now().UTC()
	retryCount := task.RetryCount
	retryable := retryCount < task.MaxRetries && !p.stopped
	if retryable {
		task.Status = StatusRetrying
		id := task.ID
		p.timers[id] = time.AfterFunc(p.retryDelay, func() {
			if retryErr := p.Retry(id); retryErr != nil {
				logger.Debug("delayed retry skipped", "task_id", id, "error", retryErr)
			}
		})
	}
	p.mu.Unlock()

	if p.metrics != nil && !retryable {
		p.metrics.TasksCompletedTotal.WithLabelValues(string(task.Type), string(StatusFailed)).Inc()
	}
	logger.Warn("task failed", "task_id", task.ID, "type", string(task.Type),
		"retry_count", retryCount, "retrying", retryable, "error", err)
}

// invoke shields the worker from handler panics.
func (p *Pool) invoke(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (p *Pool) runCallback(logger *slog.Logger, cb func(*Task), task *Task) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("task callback panicked", "task_id", task.ID, "panic", fmt.Sprint(r))
		}
	}()
	cb(task)
}
