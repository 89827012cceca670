package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory task store with the same claim and retry
// semantics as the postgres one. For tests and local development.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dlq   []DeadLetter
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[uuid.UUID]*Task)}
}

func (r *MemoryRepository) CreateTask(_ context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var candidate *Task
	for _, t := range r.tasks {
		if !inQueues(t.Queue, queues) || t.ScheduledAt.After(now) {
			continue
		}
		claimable := t.Status == StatusPending ||
			(t.Status == StatusProcessing && t.LockedUntil != nil && t.LockedUntil.Before(now))
		if !claimable {
			continue
		}
		if candidate == nil || t.ScheduledAt.Before(candidate.ScheduledAt) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, ErrNoTaskToClaim
	}

	until := now.Add(lockDuration)
	candidate.Status = StatusProcessing
	candidate.LockedBy = &workerID
	candidate.LockedUntil = &until
	cp := *candidate
	return &cp, nil
}

func (r *MemoryRepository) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.ProcessedAt = &now
	t.LockedBy = nil
	t.LockedUntil = nil
	return nil
}

func (r *MemoryRepository) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.RetryCount++
	t.Error = &errorMsg
	t.LockedBy = nil
	t.LockedUntil = nil
	if t.RetryCount >= t.MaxRetries {
		t.Status = StatusFailed
	} else {
		t.Status = StatusPending
		t.ScheduledAt = time.Now().UTC().Add(time.Duration(t.RetryCount) * 30 * time.Second)
	}
	return nil
}

func (r *MemoryRepository) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	errMsg := ""
	if t.Error != nil {
		errMsg = *t.Error
	}
	r.dlq = append(r.dlq, DeadLetter{
		ID:         uuid.New(),
		TaskID:     t.ID,
		Queue:      t.Queue,
		TaskName:   t.TaskName,
		Payload:    t.Payload,
		Error:      errMsg,
		RetryCount: t.RetryCount,
		FailedAt:   time.Now().UTC(),
	})
	delete(r.tasks, taskID)
	return nil
}

// DeadLetters returns a snapshot of the dead letter queue.
func (r *MemoryRepository) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadLetter, len(r.dlq))
	copy(out, r.dlq)
	return out
}

// Task returns a snapshot of one task, if it is still live.
func (r *MemoryRepository) Task(id uuid.UUID) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func inQueues(queue string, queues []string) bool {
	for _, q := range queues {
		if q == queue {
			return true
		}
	}
	return false
}
