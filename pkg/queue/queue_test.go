package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/billing/pkg/queue"
)

type retryEventPayload struct {
	EventID string `json:"event_id"`
}

func TestEnqueue_DerivesTaskNameFromPayloadType(t *testing.T) {
	repo := queue.NewMemoryRepository()
	enq, err := queue.NewEnqueuer(repo)
	require.NoError(t, err)

	require.NoError(t, enq.Enqueue(context.Background(), retryEventPayload{EventID: "evt_1"}))

	task, err := repo.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, task.TaskName, "retryEventPayload")
	assert.Equal(t, queue.StatusProcessing, task.Status)
}

func TestEnqueue_NilPayload(t *testing.T) {
	enq, err := queue.NewEnqueuer(queue.NewMemoryRepository())
	require.NoError(t, err)
	assert.ErrorIs(t, enq.Enqueue(context.Background(), nil), queue.ErrPayloadNil)
}

func TestClaimTask_SkipsLockedAndFutureTasks(t *testing.T) {
	repo := queue.NewMemoryRepository()
	ctx := context.Background()

	now := time.Now().UTC()
	future := &queue.Task{
		ID: uuid.New(), Queue: queue.DefaultQueueName, TaskName: "later",
		Status: queue.StatusPending, MaxRetries: 3,
		ScheduledAt: now.Add(time.Hour), CreatedAt: now,
	}
	due := &queue.Task{
		ID: uuid.New(), Queue: queue.DefaultQueueName, TaskName: "due",
		Status: queue.StatusPending, MaxRetries: 3,
		ScheduledAt: now.Add(-time.Minute), CreatedAt: now,
	}
	require.NoError(t, repo.CreateTask(ctx, future))
	require.NoError(t, repo.CreateTask(ctx, due))

	claimed, err := repo.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, due.ID, claimed.ID)

	// The claimed task is locked; only the future one remains, not yet due.
	_, err = repo.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
}

func TestClaimTask_ReclaimsExpiredLock(t *testing.T) {
	repo := queue.NewMemoryRepository()
	ctx := context.Background()

	task := &queue.Task{
		ID: uuid.New(), Queue: queue.DefaultQueueName, TaskName: "t",
		Status: queue.StatusPending, MaxRetries: 3,
		ScheduledAt: time.Now().UTC().Add(-time.Minute), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateTask(ctx, task))

	// First worker claims with an already-expired lock; a second worker can
	// take the task over.
	_, err := repo.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, -time.Second)
	require.NoError(t, err)

	reclaimed, err := repo.ClaimTask(ctx, uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
}

func TestFailTask_BacksOffThenDeadLetters(t *testing.T) {
	repo := queue.NewMemoryRepository()
	ctx := context.Background()

	task := &queue.Task{
		ID: uuid.New(), Queue: queue.DefaultQueueName, TaskName: "t",
		Status: queue.StatusPending, MaxRetries: 2,
		ScheduledAt: time.Now().UTC().Add(-time.Minute), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateTask(ctx, task))

	require.NoError(t, repo.FailTask(ctx, task.ID, "first failure"))
	after, ok := repo.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	assert.True(t, after.ScheduledAt.After(time.Now().UTC()), "rescheduled with backoff")

	require.NoError(t, repo.FailTask(ctx, task.ID, "second failure"))
	after, ok = repo.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, after.Status)

	require.NoError(t, repo.MoveToDLQ(ctx, task.ID))
	_, ok = repo.Task(task.ID)
	assert.False(t, ok, "dead-lettered task leaves the live table")

	dlq := repo.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, task.ID, dlq[0].TaskID)
	assert.Equal(t, "second failure", dlq[0].Error)
	assert.Equal(t, 2, dlq[0].RetryCount)
}

func TestWorker_ProcessesTask(t *testing.T) {
	repo := queue.NewMemoryRepository()
	enq, err := queue.NewEnqueuer(repo)
	require.NoError(t, err)

	var handled atomic.Int32
	worker, err := queue.NewWorker(repo, queue.WithPullInterval(5*time.Millisecond))
	require.NoError(t, err)
	worker.RegisterHandlers(queue.NewHandler(func(ctx context.Context, p retryEventPayload) error {
		if p.EventID == "evt_ok" {
			handled.Add(1)
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.NoError(t, enq.Enqueue(ctx, retryEventPayload{EventID: "evt_ok"}))

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// A handler that panics must not take the worker down; the task dead-letters
// once its retry budget is spent, and later tasks still get processed.
func TestWorker_PanicIsContained(t *testing.T) {
	repo := queue.NewMemoryRepository()
	enq, err := queue.NewEnqueuer(repo)
	require.NoError(t, err)

	var handled atomic.Int32
	worker, err := queue.NewWorker(repo, queue.WithPullInterval(5*time.Millisecond))
	require.NoError(t, err)
	worker.RegisterHandlers(queue.NewHandler(func(ctx context.Context, p retryEventPayload) error {
		if p.EventID == "evt_panic" {
			panic("malformed event")
		}
		handled.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.NoError(t, enq.Enqueue(ctx, retryEventPayload{EventID: "evt_panic"}, queue.WithMaxRetries(1)))
	require.NoError(t, enq.Enqueue(ctx, retryEventPayload{EventID: "evt_fine"}))

	require.Eventually(t, func() bool {
		return handled.Load() == 1 && len(repo.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dlq := repo.DeadLetters()
	assert.Contains(t, dlq[0].Error, "panic")

	cancel()
	require.NoError(t, <-done)
}

func TestWorker_FailedTaskExhaustsRetriesIntoDLQ(t *testing.T) {
	repo := queue.NewMemoryRepository()
	enq, err := queue.NewEnqueuer(repo)
	require.NoError(t, err)

	worker, err := queue.NewWorker(repo, queue.WithPullInterval(5*time.Millisecond))
	require.NoError(t, err)
	worker.RegisterHandlers(queue.NewHandler(func(ctx context.Context, p retryEventPayload) error {
		return errors.New("still unresolved")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.NoError(t, enq.Enqueue(ctx, retryEventPayload{EventID: "evt_bad"}, queue.WithMaxRetries(1)))

	require.Eventually(t, func() bool { return len(repo.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "still unresolved", repo.DeadLetters()[0].Error)

	cancel()
	require.NoError(t, <-done)
}

func TestWorker_NoHandlersRefusesToStart(t *testing.T) {
	worker, err := queue.NewWorker(queue.NewMemoryRepository())
	require.NoError(t, err)
	assert.ErrorIs(t, worker.Run(context.Background()), queue.ErrNoHandlers)
}
