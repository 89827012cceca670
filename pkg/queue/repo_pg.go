package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/campaignforge/billing/pkg/pg"
)

// PGRepository stores tasks in postgres. Claiming uses FOR UPDATE SKIP
// LOCKED so concurrent workers never block each other on the same row, and
// a crashed worker's lock expires via locked_until.
type PGRepository struct {
	q pg.Querier
}

func NewPGRepository(q pg.Querier) *PGRepository {
	return &PGRepository{q: q}
}

func (r *PGRepository) CreateTask(ctx context.Context, task *Task) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO tasks (id, queue, task_name, payload, status, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.Queue, task.TaskName, task.Payload, task.Status,
		task.RetryCount, task.MaxRetries, task.ScheduledAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *PGRepository) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	now := time.Now().UTC()
	lockedUntil := now.Add(lockDuration)

	row := r.q.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'processing',
			locked_by = $1,
			locked_until = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = ANY($3)
			  AND scheduled_at <= $4
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < $4))
			ORDER BY scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, task_name, payload, status, retry_count, max_retries,
		          scheduled_at, locked_until, locked_by, processed_at, error, created_at`,
		workerID, lockedUntil, queues, now)

	var t Task
	err := row.Scan(&t.ID, &t.Queue, &t.TaskName, &t.Payload, &t.Status,
		&t.RetryCount, &t.MaxRetries, &t.ScheduledAt, &t.LockedUntil,
		&t.LockedBy, &t.ProcessedAt, &t.Error, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNoTaskToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return &t, nil
}

func (r *PGRepository) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET status = 'completed', processed_at = now(), locked_by = NULL, locked_until = NULL
		WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// FailTask records the attempt and reschedules with linear backoff while
// retries remain; otherwise it leaves the row failed for MoveToDLQ.
func (r *PGRepository) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tasks SET
			retry_count = retry_count + 1,
			error = $2,
			locked_by = NULL,
			locked_until = NULL,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			scheduled_at = now() + (retry_count + 1) * interval '30 seconds'
		WHERE id = $1`, taskID, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MoveToDLQ copies the task into tasks_dlq and removes the live row, in one
// transaction when the querier is a pool.
func (r *PGRepository) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		WITH moved AS (
			DELETE FROM tasks WHERE id = $1
			RETURNING id, queue, task_name, payload, retry_count, error
		)
		INSERT INTO tasks_dlq (id, task_id, queue, task_name, payload, error, retry_count, failed_at)
		SELECT $2, id, queue, task_name, payload, coalesce(error, ''), retry_count, now()
		FROM moved`, taskID, uuid.New())
	if err != nil {
		return fmt.Errorf("failed to move task to dead letter queue: %w", err)
	}
	return nil
}

// ListDeadLetters returns recent dead-lettered tasks for inspection.
func (r *PGRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, task_id, queue, task_name, payload, error, retry_count, failed_at
		FROM tasks_dlq ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Queue, &d.TaskName, &d.Payload,
			&d.Error, &d.RetryCount, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
