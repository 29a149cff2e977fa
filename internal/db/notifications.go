package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notification channels.
const (
	ChannelEmail   = "email"
	ChannelDiscord = "discord"
)

// Notification job statuses.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// MaxNotificationAttempts is how many delivery attempts a job gets before
// it is marked failed for good.
const MaxNotificationAttempts = 3

// NotificationJob is one pending delivery: a match, a channel, a recipient.
type NotificationJob struct {
	ID        string
	MatchID   int64
	Channel   string
	Recipient string
	Status    string
	Attempts  int
	RunAfter  time.Time
	CreatedAt time.Time
	SentAt    *time.Time
	Error     string
}

// EnqueueNotification adds a delivery job for a match.
func (d *DB) EnqueueNotification(ctx context.Context, matchID int64, channel, recipient string) (string, error) {
	id := uuid.New().String()
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO notification_jobs (id, match_id, channel, recipient, status)
		VALUES ($1, $2, $3, $4, 'pending')
	`, id, matchID, channel, recipient)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue notification: %w", err)
	}

	log.Debug().
		Str("job_id", id).
		Int64("match_id", matchID).
		Str("channel", channel).
		Msg("Notification queued")
	return id, nil
}

// ClaimNextNotification claims a due pending notification job with
// row-level locking. Returns nil when none is due.
func (d *DB) ClaimNextNotification(ctx context.Context) (*NotificationJob, error) {
	var job NotificationJob
	err := (&DbQueue{db: d.client}).Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, match_id, channel, recipient, attempts, created_at
			FROM notification_jobs
			WHERE status = 'pending' AND run_after <= NOW()
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`)
		err := row.Scan(&job.ID, &job.MatchID, &job.Channel, &job.Recipient, &job.Attempts, &job.CreatedAt)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query notification job: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE notification_jobs SET attempts = attempts + 1 WHERE id = $1
		`, job.ID)
		if err != nil {
			return fmt.Errorf("failed to bump notification attempts: %w", err)
		}
		job.Attempts++
		job.Status = NotificationPending
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkNotificationSent completes a delivery job.
func (d *DB) MarkNotificationSent(ctx context.Context, jobID string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE notification_jobs SET status = 'sent', sent_at = NOW() WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed records a delivery failure. Jobs under the attempt
// limit are rescheduled with an exponential delay; the rest fail for good.
func (d *DB) MarkNotificationFailed(ctx context.Context, job *NotificationJob, deliveryErr error) error {
	errMsg := ""
	if deliveryErr != nil {
		errMsg = deliveryErr.Error()
	}

	if job.Attempts < MaxNotificationAttempts {
		delay := time.Duration(1<<job.Attempts) * time.Minute
		_, err := d.client.ExecContext(ctx, `
			UPDATE notification_jobs
			SET error = $1, run_after = NOW() + $2::interval
			WHERE id = $3
		`, errMsg, fmt.Sprintf("%d seconds", int(delay.Seconds())), job.ID)
		if err != nil {
			return fmt.Errorf("failed to reschedule notification: %w", err)
		}

		log.Warn().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Dur("retry_in", delay).
			Str("error", errMsg).
			Msg("Notification delivery failed, will retry")
		return nil
	}

	_, err := d.client.ExecContext(ctx, `
		UPDATE notification_jobs SET status = 'failed', error = $1 WHERE id = $2
	`, errMsg, job.ID)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}

	log.Error().
		Str("job_id", job.ID).
		Str("channel", job.Channel).
		Str("error", errMsg).
		Msg("Notification failed permanently")
	return nil
}

// RetryFailedNotifications returns permanently failed jobs to pending, for
// the admin retry endpoint.
func (d *DB) RetryFailedNotifications(ctx context.Context) (int64, error) {
	result, err := d.client.ExecContext(ctx, `
		UPDATE notification_jobs
		SET status = 'pending', attempts = 0, run_after = NOW(), error = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry notifications: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}
