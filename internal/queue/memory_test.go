package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowledger/internal/model"
)

func TestClaimTransitionsAndRecordsClaimant(t *testing.T) {
	q := NewMemory(3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "webhook", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.ID != id {
		t.Fatalf("claimed %s, want %s", job.ID, id)
	}
	if job.Status != model.JobProcessing {
		t.Fatalf("status = %s", job.Status)
	}
	if job.ClaimedBy != "worker-1" || job.ClaimedAt == nil {
		t.Fatalf("claim metadata not recorded: %+v", job)
	}

	if _, err := q.ClaimNext(ctx, "worker-2"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("second claim should find nothing, got %v", err)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	q := NewMemory(3)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "webhook", nil)
	second, _ := q.Enqueue(ctx, "webhook", nil)

	a, err := q.ClaimNext(ctx, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	b, err := q.ClaimNext(ctx, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if a.ID != first || b.ID != second {
		t.Fatalf("claim order %s,%s want %s,%s", a.ID, b.ID, first, second)
	}
}

func TestFailedJobRetriesThenDies(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "webhook", nil)

	job, err := q.ClaimNext(ctx, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkFailed(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// First failure: back to PENDING, claimable again.
	job, err = q.ClaimNext(ctx, "w")
	if err != nil {
		t.Fatalf("reclaim after failure: %v", err)
	}
	if job.ID != id || job.Attempts != 1 {
		t.Fatalf("unexpected job after retry: %+v", job)
	}

	// Second failure hits the threshold: DEAD, never claimable.
	if err := q.MarkFailed(ctx, job.ID, "boom again"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := q.ClaimNext(ctx, "w"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("dead job should not be claimable, got %v", err)
	}
}

func TestRequeueStuck(t *testing.T) {
	q := NewMemory(3)
	ctx := context.Background()

	q.Enqueue(ctx, "webhook", nil)
	if _, err := q.ClaimNext(ctx, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease is fresh; nothing to requeue.
	n, err := q.RequeueStuck(ctx, time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("requeue fresh lease: n=%d err=%v", n, err)
	}

	// Zero timeout treats any lease as expired.
	time.Sleep(2 * time.Millisecond)
	n, err = q.RequeueStuck(ctx, 0)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	if _, err := q.ClaimNext(ctx, "w2"); err != nil {
		t.Fatalf("requeued job should be claimable: %v", err)
	}
}

func TestCleanupRemovesOnlyOldTerminalJobs(t *testing.T) {
	q := NewMemory(3)
	ctx := context.Background()

	doneID, _ := q.Enqueue(ctx, "webhook", nil)
	q.Enqueue(ctx, "webhook", nil) // stays pending

	job, _ := q.ClaimNext(ctx, "w")
	if job.ID != doneID {
		t.Fatalf("claimed %s, want %s", job.ID, doneID)
	}
	q.MarkCompleted(ctx, doneID)

	// Retention window still covers the completed job.
	n, err := q.CleanupOld(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("cleanup inside retention: n=%d err=%v", n, err)
	}

	time.Sleep(2 * time.Millisecond)
	n, err = q.CleanupOld(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d jobs, want 1", n)
	}

	pending, err := q.PendingCount(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("pending = %d err=%v, want 1", pending, err)
	}
}
