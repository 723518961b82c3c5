// Package worker drives the durable job queue: exactly one job in flight,
// wake-on-trigger, and periodic lease recovery and cleanup.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowledger/internal/model"
	"escrowledger/internal/observability"
	"escrowledger/internal/queue"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Handler processes one claimed job. A returned error sends the job through
// the queue's retry accounting.
type Handler func(ctx context.Context, job *model.QueuedJob) error

// Options tune the worker's periodic maintenance.
type Options struct {
	// LeaseTimeout is how long a PROCESSING job may sit unclaimed-complete
	// before lease recovery returns it to PENDING.
	LeaseTimeout time.Duration
	// RecoveryInterval is how often lease recovery runs.
	RecoveryInterval time.Duration
	// CleanupInterval is how often terminal jobs are purged.
	CleanupInterval time.Duration
	// Retention is how long terminal jobs are kept before cleanup.
	Retention time.Duration
}

func (o *Options) withDefaults() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

// Worker drains the queue one job at a time. Triggers received while a drain
// is running collapse into a single follow-up pass.
type Worker struct {
	id      string
	queue   queue.Queue
	handler Handler
	opts    Options
	metrics *observability.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	state State

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func New(q queue.Queue, handler Handler, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Worker {
	opts.withDefaults()
	if metrics == nil {
		metrics = observability.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      "worker-" + uuid.NewString(),
		queue:   q,
		handler: handler,
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start transitions to RUNNING, synchronously drains whatever survived the
// last shutdown, then launches the loop with the maintenance tickers.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker: start from state %s", w.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.state = StateRunning
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	// Startup drain: jobs enqueued before the last shutdown are processed
	// before the loop takes over. The loop is not launched until the drain
	// returns, so only one drainer ever runs; triggers arriving meanwhile
	// fold into a pending wake the loop consumes.
	w.drain(runCtx)

	go w.run(runCtx)
	return nil
}

// TriggerProcessing wakes the worker. It never blocks; if a drain is already
// pending or running, the trigger folds into it.
func (w *Worker) TriggerProcessing() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop waits for the in-flight job to finish, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out with a job in flight")
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	recovery := time.NewTicker(w.opts.RecoveryInterval)
	defer recovery.Stop()
	cleanup := time.NewTicker(w.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.drain(ctx)
		case <-recovery.C:
			w.recoverStuck(ctx)
		case <-cleanup.C:
			w.cleanup(ctx)
		}
	}
}

// drain claims and processes jobs until the queue is empty or ctx ends.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.ClaimNext(ctx, w.id)
		if errors.Is(err, queue.ErrNoJob) {
			return
		}
		if err != nil {
			w.logger.Error("claim job", zap.Error(err))
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *model.QueuedJob) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	start := time.Now()

	if err := w.handler(ctx, job); err != nil {
		log.Error("job failed", zap.Int("attempts", job.Attempts+1), zap.Error(err))
		if markErr := w.queue.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.Error("mark job failed", zap.Error(markErr))
		}
		w.metrics.JobsProcessed.WithLabelValues("failed").Inc()
		return
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error("mark job completed", zap.Error(err))
	}
	w.metrics.JobsProcessed.WithLabelValues("completed").Inc()
	log.Info("job completed", zap.Duration("took", time.Since(start)))
}

func (w *Worker) recoverStuck(ctx context.Context) {
	n, err := w.queue.RequeueStuck(ctx, w.opts.LeaseTimeout)
	if err != nil {
		w.logger.Error("requeue stuck jobs", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stuck jobs", zap.Int("count", n))
		w.metrics.StuckRequeued.Add(float64(n))
		w.TriggerProcessing()
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	n, err := w.queue.CleanupOld(ctx, w.opts.Retention)
	if err != nil {
		w.logger.Error("cleanup old jobs", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("purged terminal jobs", zap.Int("count", n))
	}
}
