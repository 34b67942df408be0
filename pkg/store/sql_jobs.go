package store

import (
	"context"
	"fmt"
)

const jobColumns = `id, message_id, user_id, channel, destination, payload, status, attempts,
	max_attempts, next_attempt_at, locked_by, locked_until, error_text, created_at, updated_at`

// CreateMessageDeliveryJob upserts on (message_id, channel, destination)
// keeping the existing row. This is the idempotency guarantee between the
// orchestrator and indexer enqueue paths.
func (s *sqlStore) CreateMessageDeliveryJob(ctx context.Context, job *DeliveryJob) error {
	now := s.nowMs()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	_, err := s.exec(ctx, `
		INSERT INTO delivery_jobs (id, message_id, user_id, channel, destination, payload,
			status, attempts, max_attempts, next_attempt_at, locked_by, locked_until,
			error_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (message_id, channel, destination) DO NOTHING`,
		job.ID, job.MessageID, job.UserID, job.Channel, job.Destination, job.Payload,
		job.Status, job.Attempts, job.MaxAttempts, job.NextAttemptAt, job.LockedBy,
		job.LockedUntil, job.ErrorText, job.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("create delivery job: %w", err)
	}
	return nil
}

// ClaimDueDeliveryJobs selects up to limit pending jobs that are due and
// unlocked, moves them to processing under the caller's lock, increments
// attempts, and returns the updated rows. On Postgres the inner select
// uses FOR UPDATE SKIP LOCKED so concurrent workers never double-claim;
// SQLite emulates the same in a single statement (one writer at a time).
func (s *sqlStore) ClaimDueDeliveryJobs(ctx context.Context, workerID string, limit int, lockTTLMs int64, now int64) ([]DeliveryJob, error) {
	lockedUntil := now + lockTTLMs

	// Placeholders appear in numeric order so the sqlite rebind to
	// positional ? binds correctly.
	inner := `
		SELECT id FROM delivery_jobs
		WHERE status = $5 AND next_attempt_at <= $6 AND (locked_until = 0 OR locked_until <= $7)
		ORDER BY next_attempt_at, created_at
		LIMIT $8`
	if s.dialect.ClaimSkipLocked() {
		inner += `
		FOR UPDATE SKIP LOCKED`
	}

	query := `
		UPDATE delivery_jobs SET
			status = $1,
			locked_by = $2,
			locked_until = $3,
			attempts = attempts + 1,
			error_text = '',
			updated_at = $4
		WHERE id IN (` + inner + `)
		RETURNING ` + jobColumns

	rows, err := s.query(ctx, query,
		JobStatusProcessing, workerID, lockedUntil, now,
		JobStatusPending, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim delivery jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []DeliveryJob
	for rows.Next() {
		var j DeliveryJob
		if err := rows.Scan(&j.ID, &j.MessageID, &j.UserID, &j.Channel, &j.Destination, &j.Payload,
			&j.Status, &j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.LockedBy, &j.LockedUntil,
			&j.ErrorText, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqlStore) CompleteDeliveryJob(ctx context.Context, id string, now int64) error {
	_, err := s.exec(ctx, `
		UPDATE delivery_jobs SET status = $1, locked_by = '', locked_until = 0, error_text = '', updated_at = $2
		WHERE id = $3`,
		JobStatusDone, now, id)
	if err != nil {
		return fmt.Errorf("complete delivery job: %w", err)
	}
	return nil
}

// RetryDeliveryJob returns a failed attempt to the pending queue with its
// next attempt time.
func (s *sqlStore) RetryDeliveryJob(ctx context.Context, id, reason string, nextAttemptAt int64, now int64) error {
	_, err := s.exec(ctx, `
		UPDATE delivery_jobs SET status = $1, locked_by = '', locked_until = 0,
			error_text = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $5`,
		JobStatusPending, reason, nextAttemptAt, now, id)
	if err != nil {
		return fmt.Errorf("retry delivery job: %w", err)
	}
	return nil
}

// DeadLetterDeliveryJob terminally fails a job. The error text prefix is
// the dead-letter marker operators filter on.
func (s *sqlStore) DeadLetterDeliveryJob(ctx context.Context, id, reason string, now int64) error {
	_, err := s.exec(ctx, `
		UPDATE delivery_jobs SET status = $1, locked_by = '', locked_until = 0,
			error_text = $2, updated_at = $3
		WHERE id = $4`,
		JobStatusFailed, DeadLetterPrefix+reason, now, id)
	if err != nil {
		return fmt.Errorf("dead-letter delivery job: %w", err)
	}
	return nil
}

func (s *sqlStore) GetDeliveryJobStats(ctx context.Context) (*DeliveryJobStats, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(1) FROM delivery_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("delivery job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &DeliveryJobStats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case JobStatusPending:
			stats.Pending = n
		case JobStatusProcessing:
			stats.Processing = n
		case JobStatusDone:
			stats.Done = n
		case JobStatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.queryRow(ctx, `
		SELECT COUNT(1) FROM delivery_jobs WHERE status = $1 AND error_text LIKE $2`,
		JobStatusFailed, DeadLetterPrefix+"%",
	).Scan(&stats.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("dead-letter count: %w", err)
	}
	return stats, nil
}
