package workspace

import (
	"context"
	"time"
)

// Workspace describes a job-scoped scratch directory on the execution side.
// Everything a command reads or writes lives under Dir; the directory is
// removed on every exit path so local disk usage stays bounded under worker
// churn.
type Workspace struct {
	JobID string
	Dir   string
}

// CleanupReport summarizes a cleanup sweep.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs scratch directory lifecycle for staged jobs.
type Manager interface {
	// Create initializes a new scratch directory for jobID.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// Recreate removes any existing scratch directory for jobID and creates a
	// fresh one. Staging retries go through here so a partially staged
	// directory never mixes stale and fresh files.
	Recreate(ctx context.Context, jobID string) (Workspace, error)

	// Open resolves an existing scratch directory for jobID.
	Open(ctx context.Context, jobID string) (Workspace, error)

	// Remove deletes jobID's scratch directory and everything under it.
	Remove(ctx context.Context, jobID string) error

	// Cleanup removes scratch directories older than olderThan; the
	// crash-recovery sweep for workspaces orphaned by a dead worker.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
