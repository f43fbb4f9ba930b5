package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
)

// Store persists jobs. ClaimDue must hand each due job to exactly one caller.
type Store interface {
	// Enqueue inserts the job, or re-arms an existing failed job with the same
	// kind and dedup key. It reports whether anything was written.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Complete(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextRunAt time.Time, lastErr string) error
	// HoldResult keeps the job pending with the external id of a finished Run.
	HoldResult(ctx context.Context, id uuid.UUID, attempts int, externalID string, nextRunAt time.Time, lastErr string) error
	Fail(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error
}

// runningLease is how long a claimed job may stay running before another
// worker assumes its owner died and claims it again.
const runningLease = 10 * time.Minute

type postgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

func (s *postgresStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	query := `
		INSERT INTO retry_jobs (id, kind, dedup_key, payload, attempt, max_attempts, initial_backoff_ms,
		                        multiplier, status, next_run_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, 'pending', $8, '', $9, $9)
		ON CONFLICT (kind, dedup_key) DO UPDATE
		SET status = 'pending',
		    attempt = 0,
		    payload = EXCLUDED.payload,
		    max_attempts = EXCLUDED.max_attempts,
		    initial_backoff_ms = EXCLUDED.initial_backoff_ms,
		    multiplier = EXCLUDED.multiplier,
		    next_run_at = EXCLUDED.next_run_at,
		    last_error = '',
		    external_id = '',
		    updated_at = EXCLUDED.updated_at
		WHERE retry_jobs.status = 'failed'
	`

	tag, err := db.Conn(ctx, s.pool).Exec(ctx, query,
		job.ID,
		job.Kind,
		job.DedupKey,
		[]byte(job.Payload),
		job.Policy.MaxAttempts,
		job.Policy.InitialBackoff.Milliseconds(),
		job.Policy.Multiplier,
		job.NextRunAt,
		job.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("repository: failed to enqueue job %s/%s: %w", job.Kind, job.DedupKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	query := `
		UPDATE retry_jobs
		SET status = 'running', updated_at = $1
		WHERE id IN (
			SELECT id FROM retry_jobs
			WHERE (status = 'pending' AND next_run_at <= $1)
			   OR (status = 'running' AND updated_at < $2)
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, dedup_key, payload, attempt, max_attempts, initial_backoff_ms, multiplier,
		          status, next_run_at, last_error, external_id, created_at, updated_at
	`

	rows, err := db.Conn(ctx, s.pool).Query(ctx, query, now, now.Add(-runningLease), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to claim due jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		var (
			j         Job
			payload   []byte
			backoffMS int64
		)
		err := row.Scan(
			&j.ID,
			&j.Kind,
			&j.DedupKey,
			&payload,
			&j.Attempt,
			&j.Policy.MaxAttempts,
			&backoffMS,
			&j.Policy.Multiplier,
			&j.Status,
			&j.NextRunAt,
			&j.LastError,
			&j.ExternalID,
			&j.CreatedAt,
			&j.UpdatedAt,
		)
		j.Payload = payload
		j.Policy.InitialBackoff = time.Duration(backoffMS) * time.Millisecond
		return j, err
	})
	if err != nil {
		return nil, fmt.Errorf("repository: failed to scan claimed jobs: %w", err)
	}
	return jobs, nil
}

func (s *postgresStore) Complete(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE retry_jobs SET status = 'done', attempt = $2, last_error = '', updated_at = $3 WHERE id = $1
	`, id, attempts, at)
	if err != nil {
		return fmt.Errorf("repository: failed to complete job %s: %w", id, err)
	}
	return nil
}

func (s *postgresStore) Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextRunAt time.Time, lastErr string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE retry_jobs
		SET status = 'pending', attempt = $2, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, nextRunAt, lastErr)
	if err != nil {
		return fmt.Errorf("repository: failed to reschedule job %s: %w", id, err)
	}
	return nil
}

func (s *postgresStore) HoldResult(ctx context.Context, id uuid.UUID, attempts int, externalID string, nextRunAt time.Time, lastErr string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE retry_jobs
		SET status = 'pending', attempt = $2, external_id = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, externalID, nextRunAt, lastErr)
	if err != nil {
		return fmt.Errorf("repository: failed to hold result of job %s: %w", id, err)
	}
	return nil
}

func (s *postgresStore) Fail(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE retry_jobs SET status = 'failed', attempt = $2, last_error = $3, updated_at = $4 WHERE id = $1
	`, id, attempts, lastErr, at)
	if err != nil {
		return fmt.Errorf("repository: failed to fail job %s: %w", id, err)
	}
	return nil
}
