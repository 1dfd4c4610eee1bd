package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cmdrelay/cmdrelay/internal/blob"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
)

// Submitter is the dispatcher surface the client needs.
type Submitter interface {
	Submit(ctx context.Context, cmd *palette.ValidatedCommand, env map[string]string, workingDir string, inputs, outputs []envelope.FileHandle) (string, error)
	Await(ctx context.Context, jobID string, timeout time.Duration) (*envelope.ResultEnvelope, error)
}

// JobFailedError reports a terminal job failure retrieved via await. It
// carries the failure classification and detail, never a backend stack trace.
type JobFailedError struct {
	JobID  string
	Kind   envelope.FailureKind
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed (%s): %s", e.JobID, e.Kind, e.Detail)
}

// OutputStatus reports one declared output after the run.
type OutputStatus struct {
	Name    string
	Path    string
	Present bool
}

// RunResult is the client-visible outcome of one remote execution.
type RunResult struct {
	JobID    string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Outputs  []OutputStatus
}

// Config tunes the client facade.
type Config struct {
	// Backend names the blob backend used for staged files.
	Backend string

	// AwaitTimeout bounds how long Run waits for a result.
	AwaitTimeout time.Duration

	// Env is passed to every submitted job.
	Env map[string]string
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "default"
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 10 * time.Minute
	}
	return c
}

// Client validates invocations, stages local files through blob storage, and
// drives jobs through the dispatcher. Validation failures surface before any
// job exists.
type Client struct {
	palette    *palette.Palette
	dispatcher Submitter
	blobs      blob.Store
	cfg        Config
	logger     *slog.Logger
}

// New creates a Client submitting through d and staging through blobs.
func New(p *palette.Palette, d Submitter, blobs blob.Store, cfg Config) *Client {
	return &Client{
		palette:    p,
		dispatcher: d,
		blobs:      blobs,
		cfg:        cfg.withDefaults(),
		logger:     log.WithComponent("client"),
	}
}

// Run executes one palette template remotely. inputs maps declared input role
// names to local source files; outputs maps declared output role names to
// local destination paths. Both must cover exactly the template's roles.
func (c *Client) Run(ctx context.Context, templateName string, args, inputs, outputs map[string]string) (*RunResult, error) {
	cmd, err := c.palette.Validate(templateName, args)
	if err != nil {
		return nil, err
	}

	// Scope staged keys by a fresh submission id; the job_id does not exist
	// until Submit, and concurrent runs must never collide.
	scope := uuid.NewString()

	inHandles, err := c.uploadInputs(ctx, scope, cmd.Inputs, inputs)
	if err != nil {
		return nil, err
	}
	outHandles, err := outputHandles(c.cfg.Backend, scope, cmd.Outputs, outputs)
	if err != nil {
		return nil, err
	}

	jobID, err := c.dispatcher.Submit(ctx, &cmd, c.cfg.Env, "", inHandles, outHandles)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", templateName, err)
	}
	c.logger.Info("job submitted", "job_id", jobID, "template", templateName)

	res, err := c.dispatcher.Await(ctx, jobID, c.cfg.AwaitTimeout)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, &JobFailedError{JobID: jobID, Kind: res.FailureKind, Detail: res.Detail}
	}

	pathToName := make(map[string]string, len(cmd.Outputs))
	for _, role := range cmd.Outputs {
		pathToName[role.Path] = role.Name
	}
	return c.collect(ctx, jobID, res, pathToName, outputs)
}

// uploadInputs pushes each declared input's local file to blob storage and
// returns the handles the worker will stage in.
func (c *Client) uploadInputs(ctx context.Context, scope string, roles []palette.FileRole, inputs map[string]string) ([]envelope.FileHandle, error) {
	handles := make([]envelope.FileHandle, 0, len(roles))
	for _, role := range roles {
		local, ok := inputs[role.Name]
		if !ok {
			return nil, fmt.Errorf("input %q: no local file provided", role.Name)
		}
		f, err := os.Open(local)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", role.Name, err)
		}
		key := scope + "/" + role.Path
		ref, err := c.blobs.Put(ctx, key, f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload input %q: %w", role.Name, err)
		}
		handles = append(handles, envelope.FileHandle{
			Backend:   c.cfg.Backend,
			Key:       key,
			Role:      envelope.RoleInput,
			LocalPath: role.Path,
			Digest:    ref.Digest,
		})
	}
	return handles, nil
}

func outputHandles(backend, scope string, roles []palette.FileRole, outputs map[string]string) ([]envelope.FileHandle, error) {
	handles := make([]envelope.FileHandle, 0, len(roles))
	for _, role := range roles {
		if _, ok := outputs[role.Name]; !ok {
			return nil, fmt.Errorf("output %q: no local destination provided", role.Name)
		}
		handles = append(handles, envelope.FileHandle{
			Backend:   backend,
			Key:       scope + "/" + role.Path,
			Role:      envelope.RoleOutput,
			LocalPath: role.Path,
		})
	}
	return handles, nil
}

// collect downloads stdout, stderr, and whichever outputs the worker
// confirmed present. Absent outputs are reported, not treated as download
// errors.
func (c *Client) collect(ctx context.Context, jobID string, res *envelope.ResultEnvelope, pathToName, outputs map[string]string) (*RunResult, error) {
	result := &RunResult{JobID: jobID, ExitCode: res.ExitCode}

	var err error
	if res.StdoutKey != "" {
		if result.Stdout, err = blob.ReadAll(ctx, c.blobs, res.StdoutKey); err != nil {
			return nil, fmt.Errorf("download stdout: %w", err)
		}
	}
	if res.StderrKey != "" {
		if result.Stderr, err = blob.ReadAll(ctx, c.blobs, res.StderrKey); err != nil {
			return nil, fmt.Errorf("download stderr: %w", err)
		}
	}

	for _, conf := range res.Outputs {
		name := pathToName[conf.Handle.LocalPath]
		if name == "" {
			name = conf.Handle.LocalPath
		}
		dest := outputs[name]
		status := OutputStatus{Name: name, Path: dest, Present: conf.Present}
		if conf.Present && dest != "" {
			if err := c.download(ctx, conf.Handle.Key, dest); err != nil {
				return nil, fmt.Errorf("download output %q: %w", name, err)
			}
		}
		result.Outputs = append(result.Outputs, status)
	}
	return result, nil
}

func (c *Client) download(ctx context.Context, key, dest string) error {
	rc, err := c.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
