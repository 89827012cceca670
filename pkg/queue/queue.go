// Package queue is a postgres-backed task queue with bounded retries and a
// dead letter queue. Its single wired consumer is webhook reconciliation:
// events that reference entities not provisioned yet are parked here and
// redelivered with backoff until they resolve or dead-letter.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is used when no queue is specified.
const DefaultQueueName = "default"

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	ErrRepositoryNil   = errors.New("queue: repository cannot be nil")
	ErrPayloadNil      = errors.New("queue: payload cannot be nil")
	ErrNoHandlers      = errors.New("queue: no task handlers registered")
	ErrHandlerNotFound = errors.New("queue: no handler registered for task type")
	ErrNoTaskToClaim   = errors.New("queue: no task available to claim")
	ErrTaskNotFound    = errors.New("queue: task not found")
)

// Task is one unit of deferred work. RetryCount counts completed attempts;
// the task dead-letters once it reaches MaxRetries.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Queue       string     `json:"queue"`
	TaskName    string     `json:"task_name"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    *uuid.UUID `json:"locked_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeadLetter is a task that exhausted its retries, kept for operator
// inspection and manual requeue.
type DeadLetter struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	Queue      string    `json:"queue"`
	TaskName   string    `json:"task_name"`
	Payload    []byte    `json:"payload,omitempty"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}
