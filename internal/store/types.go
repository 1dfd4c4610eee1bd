package store

import (
	"errors"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/envelope"
)

// Status is the dispatcher-owned lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobRecord is the single source of truth for one job. The dispatcher owns it
// exclusively; workers only ever emit ResultEnvelopes that get folded in.
type JobRecord struct {
	JobID         string
	Status        Status
	Envelope      *envelope.JobEnvelope
	Result        *envelope.ResultEnvelope
	RetryCount    int
	ClaimDeadline *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrNotFound is returned when a job_id has no record.
var ErrNotFound = errors.New("job record not found")
