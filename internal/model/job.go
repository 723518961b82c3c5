package model

import "time"

// JobStatus is the state of a queued webhook job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobDead       JobStatus = "DEAD"
)

// QueuedJob is the durable envelope around one inbound webhook payload. A job
// is leased to exactly one worker at a time; leases older than the queue's
// timeout are eligible for requeue.
type QueuedJob struct {
	ID        string
	Type      string
	Payload   []byte
	Status    JobStatus
	Attempts  int
	ClaimedBy string
	ClaimedAt *time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
