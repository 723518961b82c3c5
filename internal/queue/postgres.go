package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowledger/internal/model"
)

// Postgres is the durable Queue over the webhook_jobs table. It shares a pool
// with the document store.
type Postgres struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewPostgres(pool *pgxpool.Pool, maxAttempts int) *Postgres {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Postgres{pool: pool, maxAttempts: maxAttempts}
}

func (q *Postgres) Enqueue(ctx context.Context, jobType string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.pool.Exec(ctx, `
		INSERT INTO webhook_jobs (id, job_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', now(), now())
	`, id, jobType, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimNext uses a single conditional UPDATE with SKIP LOCKED so concurrent
// workers never claim the same job.
func (q *Postgres) ClaimNext(ctx context.Context, workerID string) (*model.QueuedJob, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE webhook_jobs SET
			status = 'PROCESSING',
			claimed_by = $1,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM webhook_jobs
			WHERE status = 'PENDING'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, job_type, payload, status, attempts, claimed_by, claimed_at, last_error, created_at, updated_at
	`, workerID)

	var j model.QueuedJob
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts,
		&j.ClaimedBy, &j.ClaimedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Postgres) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE webhook_jobs SET status='COMPLETED', updated_at=now() WHERE id=$1
	`, id)
	return err
}

func (q *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE webhook_jobs SET
			attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= $3 THEN 'DEAD' ELSE 'PENDING' END,
			claimed_by = CASE WHEN attempts + 1 >= $3 THEN claimed_by ELSE '' END,
			claimed_at = CASE WHEN attempts + 1 >= $3 THEN claimed_at ELSE NULL END,
			updated_at = now()
		WHERE id = $1
	`, id, reason, q.maxAttempts)
	return err
}

func (q *Postgres) RequeueStuck(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE webhook_jobs SET
			status = 'PENDING',
			claimed_by = '',
			claimed_at = NULL,
			updated_at = now()
		WHERE status = 'PROCESSING' AND claimed_at < now() - $1::interval
	`, leaseTimeout.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (q *Postgres) CleanupOld(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM webhook_jobs
		WHERE status IN ('COMPLETED','FAILED','DEAD') AND updated_at < now() - $1::interval
	`, retention.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (q *Postgres) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM webhook_jobs WHERE status='PENDING'`,
	).Scan(&n)
	return n, err
}
