package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository is the storage surface needed to create tasks.
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
}

// Enqueuer creates pending tasks.
type Enqueuer struct {
	repo         EnqueuerRepository
	defaultQueue string
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	e := &Enqueuer{repo: repo, defaultQueue: DefaultQueueName}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithDefaultQueue sets the queue tasks land on when none is specified.
func WithDefaultQueue(name string) EnqueuerOption {
	return func(e *Enqueuer) {
		if name != "" {
			e.defaultQueue = name
		}
	}
}

type enqueueOptions struct {
	queue      string
	maxRetries int
	delay      time.Duration
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithQueue routes the task to a named queue.
func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) { o.queue = name }
}

// WithMaxRetries bounds the retry attempts before dead-lettering.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// Enqueue stores a task whose name is derived from the payload's type. The
// worker dispatches on the same derivation, so a handler registered with
// NewHandler for the same type will pick it up.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}

	options := &enqueueOptions{queue: e.defaultQueue, maxRetries: 3}
	for _, opt := range opts {
		opt(options)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal payload of type %T: %w", payload, err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New(),
		Queue:       options.queue,
		TaskName:    taskName(payload),
		Payload:     body,
		Status:      StatusPending,
		MaxRetries:  options.maxRetries,
		ScheduledAt: now.Add(options.delay),
		CreatedAt:   now,
	}
	if err := e.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("queue: failed to create task %q in queue %q: %w", task.TaskName, task.Queue, err)
	}
	return nil
}
