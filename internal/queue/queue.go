package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is a durable, at-least-once work queue for estimation jobs. Consumers
// may see a job more than once after a crash or lease expiry; duplicate meal
// creation is prevented downstream by the idempotency key.
type Queue interface {
	Enqueue(ctx context.Context, sub models.Submission) error
	// Dequeue blocks until a job can be claimed or ctx is canceled.
	Dequeue(ctx context.Context) (*models.EstimationJob, error)
	// Ack marks the job done.
	Ack(ctx context.Context, jobID string) error
	// Retry releases the job for another attempt with exponential backoff.
	Retry(ctx context.Context, jobID string) error
	// Dead terminally fails the job (dead-letter).
	Dead(ctx context.Context, jobID string) error
}

const (
	enqueueSQL = `
		INSERT INTO estimation_jobs
			(id, idempotency_key, user_id, photo_refs, caption, status, attempt_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now())
		ON CONFLICT (idempotency_key) WHERE status <> 'dead' DO NOTHING
	`

	claimSQL = `
		UPDATE estimation_jobs
		SET status = 'processing', lease_expires_at = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM estimation_jobs
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, idempotency_key, user_id, photo_refs, caption, attempt_count, created_at
	`

	reapSQL = `
		UPDATE estimation_jobs
		SET status = 'pending'
		WHERE status = 'processing' AND lease_expires_at < now()
	`

	ackSQL = `UPDATE estimation_jobs SET status = 'done', lease_expires_at = NULL WHERE id = $1`

	retrySQL = `
		UPDATE estimation_jobs
		SET status = 'pending',
		    attempt_count = attempt_count + 1,
		    next_attempt_at = now() + make_interval(secs => LEAST(POWER(2, attempt_count + 1), 300)),
		    lease_expires_at = NULL
		WHERE id = $1
	`

	deadSQL = `UPDATE estimation_jobs SET status = 'dead', lease_expires_at = NULL WHERE id = $1`
)

// PostgresQueue stores jobs in the estimation_jobs table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same row;
// expired leases are reaped back to pending, which gives the at-least-once
// redelivery floor.
type PostgresQueue struct {
	db           *pgxpool.Pool
	pollInterval time.Duration
	lease        time.Duration
}

// NewPostgresQueue creates a Postgres-backed queue
func NewPostgresQueue(db *pgxpool.Pool, pollInterval, lease time.Duration) *PostgresQueue {
	return &PostgresQueue{db: db, pollInterval: pollInterval, lease: lease}
}

// Enqueue inserts one job per flushed submission. A duplicate idempotency key
// among live jobs is silently ignored so a re-flushed group does not queue
// twice; a dead-lettered key does not block a fresh submission.
func (q *PostgresQueue) Enqueue(ctx context.Context, sub models.Submission) error {
	_, err := q.db.Exec(ctx, enqueueSQL,
		uuid.New().String(), sub.IdempotencyKey, sub.UserID, sub.PhotoRefs, sub.Caption,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue estimation job: %w", err)
	}
	return nil
}

// Dequeue claims the oldest ready job, polling until one is available or the
// context is canceled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.EstimationJob, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context) (*models.EstimationJob, error) {
	if _, err := q.db.Exec(ctx, reapSQL); err != nil {
		return nil, fmt.Errorf("failed to reap expired leases: %w", err)
	}

	var job models.EstimationJob
	err := q.db.QueryRow(ctx, claimSQL, int(q.lease.Seconds())).Scan(
		&job.ID, &job.IdempotencyKey, &job.UserID, &job.PhotoRefs,
		&job.Caption, &job.AttemptCount, &job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim estimation job: %w", err)
	}
	job.Status = models.JobProcessing
	return &job, nil
}

// Ack marks the job done
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	if _, err := q.db.Exec(ctx, ackSQL, jobID); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Retry releases the job for another attempt with exponential backoff
func (q *PostgresQueue) Retry(ctx context.Context, jobID string) error {
	if _, err := q.db.Exec(ctx, retrySQL, jobID); err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	return nil
}

// Dead dead-letters the job
func (q *PostgresQueue) Dead(ctx context.Context, jobID string) error {
	if _, err := q.db.Exec(ctx, deadSQL, jobID); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	return nil
}
