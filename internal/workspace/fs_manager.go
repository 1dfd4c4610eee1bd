package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager manages per-job scratch directories on local disk.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create initializes a scratch directory for jobID.
func (m *fsManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.scratchPath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create scratch directory for job %q: %w", jobID, err)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

// Recreate clears any prior scratch state for jobID and starts fresh.
func (m *fsManager) Recreate(ctx context.Context, jobID string) (Workspace, error) {
	if err := m.Remove(ctx, jobID); err != nil {
		return Workspace{}, err
	}
	return m.Create(ctx, jobID)
}

// Open returns metadata for an existing scratch directory.
func (m *fsManager) Open(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.scratchPath(jobID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open scratch directory for job %q: %w", jobID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("scratch path for job %q is not a directory", jobID)
	}

	return Workspace{JobID: jobID, Dir: path}, nil
}

// Remove deletes jobID's scratch directory. Removing an absent directory is
// not an error: every exit path calls Remove and they must all succeed.
func (m *fsManager) Remove(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := m.scratchPath(jobID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove scratch directory for job %q: %w", jobID, err)
	}
	return nil
}

// Cleanup removes scratch directories older than olderThan based on directory
// modification time.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove scratch directory %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsManager) scratchPath(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, jobID), nil
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
