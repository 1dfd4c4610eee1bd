package staging

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/cmdrelay/cmdrelay/internal/blob"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/workspace"
)

// Kind classifies staging failures.
type Kind string

const (
	KindStagingFailed Kind = "staging_failed"
	KindOutputMissing Kind = "output_missing"
)

// Error reports a staging failure for one handle.
type Error struct {
	Kind   Kind
	Handle envelope.FileHandle
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: handle %q: %v", e.Kind, e.Handle.Key, e.Err)
	}
	return fmt.Sprintf("%s: handle %q", e.Kind, e.Handle.Key)
}

func (e *Error) Unwrap() error { return e.Err }

// Stager moves input blobs into a job-scoped scratch directory before a run
// and declared outputs back to their backends after it.
type Stager struct {
	backends map[string]blob.Store
	ws       workspace.Manager
	logger   *slog.Logger
}

// NewStager creates a stager over the given workspace manager and named blob
// backends.
func NewStager(ws workspace.Manager, backends map[string]blob.Store) *Stager {
	return &Stager{
		backends: backends,
		ws:       ws,
		logger:   log.WithComponent("staging"),
	}
}

// StageIn fetches every input blob into a fresh scratch directory for jobID.
// Any fetch failure aborts the whole set: the scratch directory is removed and
// the command must never run with a partially staged input set. Safe to retry;
// the scratch directory is recreated from scratch on every call.
func (s *Stager) StageIn(ctx context.Context, jobID string, handles []envelope.FileHandle) (workspace.Workspace, error) {
	ws, err := s.ws.Recreate(ctx, jobID)
	if err != nil {
		return workspace.Workspace{}, fmt.Errorf("prepare scratch directory: %w", err)
	}

	for _, h := range handles {
		if err := s.fetch(ctx, ws, h); err != nil {
			_ = s.ws.Remove(ctx, jobID)
			return workspace.Workspace{}, &Error{Kind: KindStagingFailed, Handle: h, Err: err}
		}
	}
	return ws, nil
}

// StageOut uploads each declared output from the scratch directory to its
// backend. It is attempted regardless of the command's exit code. A missing
// output file is confirmed absent rather than failing its siblings; the
// partial set is reported, never silently dropped. A backend write failure is
// returned alongside the confirmations gathered so far.
func (s *Stager) StageOut(ctx context.Context, ws workspace.Workspace, handles []envelope.FileHandle) ([]envelope.OutputConfirmation, error) {
	confirmations := make([]envelope.OutputConfirmation, 0, len(handles))

	for _, h := range handles {
		path, err := scopedPath(ws.Dir, h.LocalPath)
		if err != nil {
			return confirmations, &Error{Kind: KindStagingFailed, Handle: h, Err: err}
		}

		f, err := os.Open(path)
		if os.IsNotExist(err) {
			s.logger.Warn("declared output missing", "job_id", ws.JobID, "key", h.Key, "local_path", h.LocalPath)
			confirmations = append(confirmations, envelope.OutputConfirmation{Handle: h, Present: false})
			continue
		}
		if err != nil {
			return confirmations, &Error{Kind: KindStagingFailed, Handle: h, Err: err}
		}

		ref, err := s.Upload(ctx, h.Backend, h.Key, f)
		_ = f.Close()
		if err != nil {
			return confirmations, &Error{Kind: KindStagingFailed, Handle: h, Err: err}
		}

		confirmed := h
		confirmed.Digest = ref.Digest
		confirmations = append(confirmations, envelope.OutputConfirmation{Handle: confirmed, Present: true})
	}
	return confirmations, nil
}

// Upload writes a blob directly to a named backend. The worker uses this for
// captured stdout/stderr, which are treated as outputs like any other.
func (s *Stager) Upload(ctx context.Context, backend, key string, r io.Reader) (blob.Ref, error) {
	store, err := s.backend(backend)
	if err != nil {
		return blob.Ref{}, err
	}
	return store.Put(ctx, key, r)
}

// Download opens a blob from a named backend.
func (s *Stager) Download(ctx context.Context, backend, key string) (io.ReadCloser, error) {
	store, err := s.backend(backend)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}

// Release removes jobID's scratch directory. Called on every exit path.
func (s *Stager) Release(ctx context.Context, jobID string) error {
	return s.ws.Remove(ctx, jobID)
}

// Sweep is the crash-recovery cleanup pass over scratch directories orphaned
// by dead workers.
func (s *Stager) Sweep(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error) {
	return s.ws.Cleanup(ctx, olderThan)
}

func (s *Stager) fetch(ctx context.Context, ws workspace.Workspace, h envelope.FileHandle) error {
	store, err := s.backend(h.Backend)
	if err != nil {
		return err
	}

	src, err := store.Get(ctx, h.Key)
	if err != nil {
		return err
	}
	defer src.Close()

	path, err := scopedPath(ws.Dir, h.LocalPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create input directory: %w", err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}

	hasher := blake3.New()
	_, err = io.Copy(io.MultiWriter(dst, hasher), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write input file: %w", err)
	}

	if h.Digest != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != h.Digest {
			return fmt.Errorf("digest mismatch: expected %s, got %s", h.Digest, got)
		}
	}
	return nil
}

func (s *Stager) backend(name string) (blob.Store, error) {
	store, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
	return store, nil
}

// scopedPath resolves a handle's local path inside the scratch directory,
// refusing anything that would escape it.
func scopedPath(dir, localPath string) (string, error) {
	trimmed := strings.TrimSpace(localPath)
	if trimmed == "" {
		return "", fmt.Errorf("local path is empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", fmt.Errorf("local path %q must be relative", localPath)
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("local path %q escapes the scratch directory", localPath)
	}
	return filepath.Join(dir, cleaned), nil
}
