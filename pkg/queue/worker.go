package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerRepository is the storage surface the worker drives.
type WorkerRepository interface {
	// ClaimTask atomically claims the next due pending task, locking it for
	// lockDuration. Returns ErrNoTaskToClaim when nothing is due.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)

	// CompleteTask marks the task completed.
	CompleteTask(ctx context.Context, taskID uuid.UUID) error

	// FailTask records the error, increments the retry count, and reschedules
	// the task with backoff when retries remain.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error

	// MoveToDLQ moves a task that exhausted its retries to the dead letter
	// queue and removes it from the live table.
	MoveToDLQ(ctx context.Context, taskID uuid.UUID) error
}

// Worker polls for due tasks and dispatches them to registered handlers.
// A failing or panicking handler affects only its own task: the error is
// recorded, the task is retried or dead-lettered, and the loop moves on.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	pullInterval time.Duration
	lockTimeout  time.Duration
	log          *slog.Logger

	cancel context.CancelFunc
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueues sets the queues to poll. Default: the default queue.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

// WithPullInterval sets the poll cadence. Default 5s.
func WithPullInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pullInterval = d
		}
	}
}

// WithLockTimeout bounds one task execution. Default 2m.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lockTimeout = d
		}
	}
}

// WithConcurrency sets the number of tasks processed in parallel. Default 1.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the worker's logger.
func WithLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker creates a task worker.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	w := &Worker{
		repo:         repo,
		handlers:     make(map[string]Handler),
		queues:       []string{DefaultQueueName},
		workerID:     uuid.New(),
		sem:          make(chan struct{}, 1),
		pullInterval: 5 * time.Second,
		lockTimeout:  2 * time.Minute,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandlers registers task handlers by name.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Run polls until ctx is canceled, then waits for in-flight tasks. Suitable
// for errgroup.Go.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.InfoContext(ctx, "queue worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("queues", w.queues))

	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.log.Info("queue worker stopped", slog.String("worker_id", w.workerID.String()))
			return nil
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()
					w.pullAndProcess(ctx)
				}()
			default:
				// All slots busy; skip this tick.
			}
		}
	}
}

func (w *Worker) pullAndProcess(ctx context.Context) {
	task, err := w.repo.ClaimTask(ctx, w.workerID, w.queues, w.lockTimeout)
	if err != nil {
		if !errors.Is(err, ErrNoTaskToClaim) && ctx.Err() == nil {
			w.log.ErrorContext(ctx, "failed to claim task",
				slog.String("worker_id", w.workerID.String()),
				slog.Any("error", err))
		}
		return
	}
	w.processTask(ctx, task)
}

func (w *Worker) processTask(ctx context.Context, task *Task) {
	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()

	if !ok {
		// Retrying cannot help without a handler; dead-letter immediately so
		// an operator can deploy the handler and requeue.
		w.log.ErrorContext(ctx, "no handler registered for task",
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.TaskName))
		_ = w.repo.FailTask(ctx, task.ID, ErrHandlerNotFound.Error())
		_ = w.repo.MoveToDLQ(ctx, task.ID)
		return
	}

	start := time.Now()
	err := w.runHandler(ctx, handler, task)
	duration := time.Since(start)

	if err != nil {
		w.handleFailure(ctx, task, err, duration)
		return
	}

	if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
		w.log.ErrorContext(ctx, "failed to mark task completed",
			slog.String("task_id", task.ID.String()),
			slog.Any("error", err))
		return
	}
	w.log.InfoContext(ctx, "task completed",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.Duration("duration", duration))
}

// runHandler executes one handler with panic containment. The execution
// context is detached from the worker's so graceful shutdown lets in-flight
// tasks finish; the lock timeout still bounds it.
func (w *Worker) runHandler(_ context.Context, handler Handler, task *Task) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()
	return handler.Handle(ctx, task.Payload)
}

func (w *Worker) handleFailure(ctx context.Context, task *Task, execErr error, duration time.Duration) {
	w.log.ErrorContext(ctx, "task failed",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.Duration("duration", duration),
		slog.Any("error", execErr))

	if err := w.repo.FailTask(ctx, task.ID, execErr.Error()); err != nil {
		w.log.ErrorContext(ctx, "failed to record task failure",
			slog.String("task_id", task.ID.String()),
			slog.Any("error", err))
		return
	}

	// RetryCount on the claimed snapshot counts prior attempts; this failed
	// attempt makes RetryCount+1. Dead-letter once the budget is spent.
	if task.RetryCount+1 >= task.MaxRetries {
		if err := w.repo.MoveToDLQ(ctx, task.ID); err != nil {
			w.log.ErrorContext(ctx, "failed to move task to dead letter queue",
				slog.String("task_id", task.ID.String()),
				slog.Any("error", err))
			return
		}
		w.log.ErrorContext(ctx, "task moved to dead letter queue",
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.TaskName),
			slog.Int("attempts", task.RetryCount+1))
	}
}
