package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Crawl task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// MaxTaskRetries is how many times a crawl task is retried before it is
// marked failed for good.
const MaxTaskRetries = 3

// DbQueue is a PostgreSQL implementation of the crawl task queue
type DbQueue struct {
	db *sql.DB

	// OnTerminalFailure, when set, is called after a task exhausts its
	// retries and is failed for good.
	OnTerminalFailure func(task *CrawlTask)
}

// NewDbQueue creates a PostgreSQL crawl task queue
func NewDbQueue(db *DB) *DbQueue {
	return &DbQueue{db: db.client}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CrawlTask is a unit of crawl work: one URL on one queue.
type CrawlTask struct {
	ID          string
	Queue       string
	URL         string
	Status      string
	Priority    int
	RetryCount  int
	RunAfter    time.Time
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// EnqueueTask adds a crawl task. A URL already pending or running on the
// same queue is left alone and no new task is created.
func (q *DbQueue) EnqueueTask(ctx context.Context, queue, url string, priority int) (created bool, err error) {
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO crawl_tasks (id, queue, url, status, priority, created_at, run_after)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, uuid.New().String(), queue, url, TaskStatusPending, priority)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return true, nil
}

// EnqueueTasks adds a batch of URLs to a queue, skipping those already in
// flight. Returns the number actually enqueued.
func (q *DbQueue) EnqueueTasks(ctx context.Context, queue string, urls []string, priority int) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}

	var created int
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crawl_tasks (id, queue, url, status, priority, created_at, run_after)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, url := range urls {
			if url == "" {
				continue
			}
			res, err := stmt.ExecContext(ctx, uuid.New().String(), queue, url, TaskStatusPending, priority)
			if err != nil {
				return fmt.Errorf("failed to insert task: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Debug().
		Str("queue", queue).
		Int("urls", len(urls)).
		Int("created", created).
		Msg("Enqueued crawl tasks")
	return created, nil
}

// GetNextTask claims a due pending task from one of the given queues using
// row-level locking, so concurrent workers each get different tasks.
// Returns nil when no task is due.
func (q *DbQueue) GetNextTask(ctx context.Context, queues []string) (*CrawlTask, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues specified")
	}

	var task CrawlTask
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, queue, url, priority, retry_count, created_at
			FROM crawl_tasks
			WHERE status = 'pending'
			  AND queue = ANY($1)
			  AND run_after <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, pq.Array(queues))

		err := row.Scan(&task.ID, &task.Queue, &task.URL, &task.Priority, &task.RetryCount, &task.CreatedAt)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query task: %w", err)
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'running', started_at = $1
			WHERE id = $2
		`, now, task.ID)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}

		task.Status = TaskStatusRunning
		task.StartedAt = now
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil // No tasks available
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask marks a task as completed.
func (q *DbQueue) CompleteTask(ctx context.Context, task *CrawlTask) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'completed', completed_at = $1
		WHERE id = $2
	`, now, task.ID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	task.Status = TaskStatusCompleted
	task.CompletedAt = now
	return nil
}

// FailTask records a task failure. Tasks under the retry limit go back to
// pending with an exponential run_after delay; the rest are failed for good.
func (q *DbQueue) FailTask(ctx context.Context, task *CrawlTask, taskErr error) error {
	task.RetryCount++
	if taskErr != nil {
		task.Error = taskErr.Error()
	}

	if task.RetryCount < MaxTaskRetries {
		delay := time.Duration(1<<task.RetryCount) * time.Minute
		_, err := q.db.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'pending', retry_count = $1, error = $2, run_after = NOW() + $3::interval
			WHERE id = $4
		`, task.RetryCount, task.Error, fmt.Sprintf("%d seconds", int(delay.Seconds())), task.ID)
		if err != nil {
			return fmt.Errorf("failed to reschedule task: %w", err)
		}
		task.Status = TaskStatusPending
		return nil
	}

	now := time.Now()
	_, err := q.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'failed', completed_at = $1, retry_count = $2, error = $3
		WHERE id = $4
	`, now, task.RetryCount, task.Error, task.ID)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	task.Status = TaskStatusFailed
	task.CompletedAt = now

	log.Warn().
		Str("task_id", task.ID).
		Str("url", task.URL).
		Str("error", task.Error).
		Msg("Crawl task failed permanently")
	if q.OnTerminalFailure != nil {
		q.OnTerminalFailure(task)
	}
	return nil
}

// ResetStuckTasks returns tasks that have been running longer than the
// given age to pending. Covers workers that died mid-task.
func (q *DbQueue) ResetStuckTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	span := sentry.StartSpan(ctx, "db.reset_stuck_tasks")
	defer span.Finish()

	result, err := q.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'pending', started_at = NULL
		WHERE status = 'running'
		  AND started_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return 0, fmt.Errorf("failed to reset stuck tasks: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		log.Info().
			Int64("tasks_reset", rowsAffected).
			Msg("Reset stuck crawl tasks")
	}
	return rowsAffected, nil
}

// DeleteOldTasks removes finished tasks older than the given age.
func (q *DbQueue) DeleteOldTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM crawl_tasks
		WHERE status IN ('completed', 'failed')
		  AND created_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

// QueueDepths reports pending task counts per queue, for the admin surface.
func (q *DbQueue) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue, COUNT(*)
		FROM crawl_tasks
		WHERE status = 'pending'
		GROUP BY queue
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depths[queue] = count
	}
	return depths, rows.Err()
}
