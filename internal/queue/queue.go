// Package queue provides the durable, retryable queue of inbound webhook
// payloads. Jobs survive a crash between "webhook received" and "fully
// processed": on restart the worker drains everything still PENDING.
package queue

import (
	"context"
	"errors"
	"time"

	"escrowledger/internal/model"
)

// ErrNoJob is returned by ClaimNext when nothing is pending.
var ErrNoJob = errors.New("queue: no pending job")

// DefaultMaxAttempts is how many failures a job gets before it moves to the
// dead-letter state instead of retrying forever.
const DefaultMaxAttempts = 5

// Queue is the durable job queue. ClaimNext must be a single atomic
// conditional update so multiple worker instances cannot claim one job.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) (string, error)
	// ClaimNext atomically transitions the oldest PENDING job to PROCESSING
	// and records the claimant. Returns ErrNoJob when empty.
	ClaimNext(ctx context.Context, workerID string) (*model.QueuedJob, error)
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed increments the attempt count; jobs at or past the
	// max-attempt threshold move to DEAD, others return to PENDING.
	MarkFailed(ctx context.Context, id, reason string) error
	// RequeueStuck returns PROCESSING jobs whose lease is older than the
	// timeout back to PENDING, and reports how many were requeued.
	RequeueStuck(ctx context.Context, leaseTimeout time.Duration) (int, error)
	// CleanupOld deletes terminal jobs past the retention window.
	CleanupOld(ctx context.Context, retention time.Duration) (int, error)
	PendingCount(ctx context.Context) (int, error)
}
