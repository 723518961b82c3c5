package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrowledger/internal/model"
	"escrowledger/internal/queue"
)

type recordingHandler struct {
	mu        sync.Mutex
	seen      []string
	active    int
	maxActive int
	inFlight  chan struct{}
	release   chan struct{}
	err       error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{}
}

func (h *recordingHandler) handle(_ context.Context, job *model.QueuedJob) error {
	h.mu.Lock()
	h.seen = append(h.seen, string(job.Payload))
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	h.mu.Unlock()
	if h.inFlight != nil {
		h.inFlight <- struct{}{}
		<-h.release
	}
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func (h *recordingHandler) maxConcurrent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxActive
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestStartDrainsBacklog(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "webhook", []byte(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	h := newRecordingHandler()
	w := New(q, h.handle, Options{}, nil, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	// Start drains synchronously: the backlog is done before Start returns.
	if h.count() != 3 {
		t.Fatalf("processed = %d, want 3", h.count())
	}
	if h.seen[0] != "job-0" {
		t.Fatalf("order = %v, want FIFO", h.seen)
	}

	pending, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

func TestTriggerProcessesNewJobs(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()

	h := newRecordingHandler()
	w := New(q, h.handle, Options{}, nil, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	if _, err := q.Enqueue(ctx, "webhook", []byte("late")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.TriggerProcessing()

	waitFor(t, func() bool { return h.count() == 1 })
}

func TestTriggerWhileBusyIsNonBlocking(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()

	h := newRecordingHandler()
	h.inFlight = make(chan struct{}, 1)
	h.release = make(chan struct{})

	w := New(q, h.handle, Options{}, nil, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	if _, err := q.Enqueue(ctx, "webhook", []byte("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.TriggerProcessing()
	<-h.inFlight // handler is now blocked mid-job

	// Must return immediately even though the worker is busy.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			w.TriggerProcessing()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("TriggerProcessing blocked")
	}

	if _, err := q.Enqueue(ctx, "webhook", []byte("b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.release <- struct{}{}

	// The folded trigger picks up the second job; release it too.
	<-h.inFlight
	h.release <- struct{}{}
	waitFor(t, func() bool { return h.count() == 2 })
}

// A trigger landing while the startup drain is mid-job must not start a
// second concurrent drain: it folds into a wake the loop handles once the
// drain is done.
func TestTriggerDuringStartupDrainKeepsOneInFlight(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()

	h := newRecordingHandler()
	h.inFlight = make(chan struct{}, 1)
	h.release = make(chan struct{})

	if _, err := q.Enqueue(ctx, "webhook", []byte("first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(q, h.handle, Options{}, nil, nil)
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()
	<-h.inFlight // startup drain is blocked inside the first job

	// The ingress path during startup: enqueue plus trigger.
	if _, err := q.Enqueue(ctx, "webhook", []byte("second")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.TriggerProcessing()

	// Give a second drainer, if one existed, time to claim the new job.
	time.Sleep(50 * time.Millisecond)
	if got := h.maxConcurrent(); got != 1 {
		t.Fatalf("concurrent in-flight jobs = %d, want 1", got)
	}
	if got := h.count(); got != 1 {
		t.Fatalf("handled = %d jobs while first still in flight, want 1", got)
	}

	h.release <- struct{}{}
	<-h.inFlight // the second job follows, still one at a time
	h.release <- struct{}{}

	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	waitFor(t, func() bool { return h.count() == 2 })
	if got := h.maxConcurrent(); got != 1 {
		t.Fatalf("concurrent in-flight jobs = %d, want 1", got)
	}
}

func TestFailedJobGoesThroughRetryAccounting(t *testing.T) {
	q := queue.NewMemory(2)
	ctx := context.Background()

	h := newRecordingHandler()
	h.err = fmt.Errorf("boom")

	w := New(q, h.handle, Options{}, nil, nil)
	if _, err := q.Enqueue(ctx, "webhook", []byte("doomed")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	// The drain re-claims the failing job until the queue dead-letters it at
	// the attempt cap, so both attempts happen before Start returns.
	if h.count() != 2 {
		t.Fatalf("attempts = %d, want 2", h.count())
	}
	pending, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending = %d, want 0 (dead-lettered)", pending)
	}
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()

	h := newRecordingHandler()
	h.inFlight = make(chan struct{}, 1)
	h.release = make(chan struct{})

	w := New(q, h.handle, Options{}, nil, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if w.State() != StateRunning {
		t.Fatalf("state = %s, want running", w.State())
	}

	if _, err := q.Enqueue(ctx, "webhook", []byte("slow")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.TriggerProcessing()
	<-h.inFlight

	stopDone := make(chan struct{})
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.Stop(stopCtx)
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatalf("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	h.release <- struct{}{}
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the job finished")
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
}

func TestStartTwiceFails(t *testing.T) {
	q := queue.NewMemory(3)
	ctx := context.Background()
	w := New(q, newRecordingHandler().handle, Options{}, nil, nil)

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	if err := w.Start(ctx); err == nil {
		t.Fatalf("second start must fail")
	}
}
