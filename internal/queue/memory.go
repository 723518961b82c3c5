package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowledger/internal/model"
)

// Memory is an in-process Queue with the same claim/fail/dead-letter
// semantics as the postgres implementation. Used by tests and local runs.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*model.QueuedJob
	order       []string
	maxAttempts int
}

func NewMemory(maxAttempts int) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Memory{
		jobs:        make(map[string]*model.QueuedJob),
		maxAttempts: maxAttempts,
	}
}

func (q *Memory) Enqueue(_ context.Context, jobType string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	q.jobs[id] = &model.QueuedJob{
		ID:        id,
		Type:      jobType,
		Payload:   append([]byte(nil), payload...),
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.order = append(q.order, id)
	return id, nil
}

func (q *Memory) ClaimNext(_ context.Context, workerID string) (*model.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != model.JobPending {
			continue
		}
		now := time.Now().UTC()
		j.Status = model.JobProcessing
		j.ClaimedBy = workerID
		j.ClaimedAt = &now
		j.UpdatedAt = now
		out := *j
		return &out, nil
	}
	return nil, ErrNoJob
}

func (q *Memory) MarkCompleted(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", id)
	}
	j.Status = model.JobCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *Memory) MarkFailed(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", id)
	}
	j.Attempts++
	j.LastError = reason
	if j.Attempts >= q.maxAttempts {
		j.Status = model.JobDead
	} else {
		j.Status = model.JobPending
		j.ClaimedBy = ""
		j.ClaimedAt = nil
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *Memory) RequeueStuck(_ context.Context, leaseTimeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	n := 0
	for _, j := range q.jobs {
		if j.Status == model.JobProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.Status = model.JobPending
			j.ClaimedBy = ""
			j.ClaimedAt = nil
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (q *Memory) CleanupOld(_ context.Context, retention time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-retention)
	n := 0
	kept := q.order[:0]
	for _, id := range q.order {
		j := q.jobs[id]
		terminal := j.Status == model.JobCompleted || j.Status == model.JobFailed || j.Status == model.JobDead
		if terminal && j.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return n, nil
}

func (q *Memory) PendingCount(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == model.JobPending {
			n++
		}
	}
	return n, nil
}
