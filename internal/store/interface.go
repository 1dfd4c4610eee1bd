package store

import (
	"context"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/envelope"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/cmdrelay/cmdrelay/internal/store JobStore

// JobStore is the durable metadata collaborator. All methods are atomic per
// job_id; correctness of the dispatcher's state machine relies on the
// status-guarded updates here, not on any process-level lock.
type JobStore interface {
	// Create inserts a new record. The job_id must be unused.
	Create(ctx context.Context, rec *JobRecord) error

	// Get returns the record for jobID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*JobRecord, error)

	// CasStatus transitions jobID to status `to` only if its current status
	// is one of `from`, updating the claim deadline along the way. Returns
	// false when the guard did not match; that is not an error.
	CasStatus(ctx context.Context, jobID string, to Status, claimDeadline *time.Time, from ...Status) (bool, error)

	// FoldResult records res against jobID and moves it to `to`, returning
	// the updated record. If the record is already terminal nothing changes:
	// the previously committed record comes back with folded=false. This is
	// the at-most-one-externally-visible-completion guarantee.
	FoldResult(ctx context.Context, res *envelope.ResultEnvelope, to Status) (folded bool, rec *JobRecord, err error)

	// FindExpired returns non-terminal records whose claim deadline has
	// passed as of now. The dispatcher's reaper feeds on this.
	FindExpired(ctx context.Context, now time.Time) ([]*JobRecord, error)

	// UpdateForRetry rewrites status, retry count, and claim deadline in one
	// step; the reaper's requeue path.
	UpdateForRetry(ctx context.Context, jobID string, to Status, retryCount int, claimDeadline *time.Time) error
}
