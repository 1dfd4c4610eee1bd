package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/staging"
)

const (
	// maxCapturedLogBytes caps stdout/stderr carried into log lines. The full
	// streams are uploaded as blobs regardless.
	maxCapturedLogBytes = 64 * 1024

	// terminationGracePeriod is the wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Config tunes the worker loop. Zero values pick the defaults below.
type Config struct {
	// Name identifies this worker in claim notices and logs.
	Name string

	JobsQueue    string
	ResultsQueue string
	ClaimsQueue  string

	// LogsBackend is the blob backend stdout/stderr captures go to.
	LogsBackend string

	// JobTimeout bounds a single command execution.
	JobTimeout time.Duration

	// PollInterval is the idle sleep when the jobs queue is empty.
	PollInterval time.Duration

	// SweepInterval and SweepAge drive the orphaned-scratch-directory sweep.
	SweepInterval time.Duration
	SweepAge      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.JobsQueue == "" {
		c.JobsQueue = "jobs"
	}
	if c.ResultsQueue == "" {
		c.ResultsQueue = "results"
	}
	if c.ClaimsQueue == "" {
		c.ClaimsQueue = "claims"
	}
	if c.LogsBackend == "" {
		c.LogsBackend = "default"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.SweepAge <= 0 {
		c.SweepAge = 24 * time.Hour
	}
	return c
}

// Runner consumes job envelopes, stages files, executes commands, and reports
// results. It never touches job records; the dispatcher owns those. Every
// processed delivery produces at most one result envelope, and a redelivered
// envelope is simply re-run: the dispatcher's fold makes the duplicate
// harmless.
type Runner struct {
	broker broker.Broker
	stager *staging.Stager
	cfg    Config
	logger *slog.Logger

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Runner.
func New(b broker.Broker, stager *staging.Stager, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		broker: b,
		stager: stager,
		cfg:    cfg,
		logger: log.WithComponent("worker").With("worker", cfg.Name),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the consume loop and the scratch sweep. Returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker starting", "jobs_queue", r.cfg.JobsQueue, "job_timeout", r.cfg.JobTimeout)
	r.wg.Add(2)
	go r.consumeLoop(ctx)
	go r.sweepLoop(ctx)
}

// Stop waits for the current job to finish and the loops to exit.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("worker stopped")
}

func (r *Runner) consumeLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		delivery, err := r.broker.Consume(ctx, r.cfg.JobsQueue)
		if err != nil {
			r.logger.Error("consume failed", "error", err)
			if !r.sleep(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}
		if delivery == nil {
			if !r.sleep(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}

		r.processDelivery(ctx, delivery)
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			report, err := r.stager.Sweep(ctx, r.cfg.SweepAge)
			if err != nil {
				r.logger.Error("scratch sweep failed", "error", err)
				continue
			}
			if report.DeletedDirs > 0 {
				r.logger.Info("swept orphaned scratch directories", "deleted", report.DeletedDirs)
			}
		}
	}
}

func (r *Runner) sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// processDelivery runs one job envelope end to end. The delivery is acked
// once a result has been published; a failed result publish nacks instead so
// the whole job is redelivered and re-run.
func (r *Runner) processDelivery(ctx context.Context, delivery *broker.Delivery) {
	env, err := envelope.DecodeJob(bytes.NewReader(delivery.Body))
	if err != nil {
		r.handleMalformedJob(ctx, delivery, err)
		return
	}

	jobLogger := log.WithJob(env.JobID).With("worker", r.cfg.Name, "template", env.Template)
	jobLogger.Info("job received", "delivery_count", delivery.DeliveryCount)

	r.publishClaim(ctx, env.JobID)

	res := r.execute(ctx, env, jobLogger)

	if err := r.publishResult(ctx, res); err != nil {
		jobLogger.Error("result publish failed, redelivering job", "error", err)
		r.nack(ctx, delivery)
		return
	}
	r.ack(ctx, delivery)
}

// handleMalformedJob reports a Failed result when a job_id can be scraped out
// of the undecodable bytes; otherwise the message is dropped. Either way the
// delivery is acked so poison bytes never loop through the queue forever.
func (r *Runner) handleMalformedJob(ctx context.Context, delivery *broker.Delivery, decodeErr error) {
	defer r.ack(ctx, delivery)

	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(delivery.Body, &probe); err != nil || probe.JobID == "" {
		r.logger.Error("unattributable malformed job envelope dropped",
			"bytes", len(delivery.Body), "error", decodeErr)
		return
	}

	res := &envelope.ResultEnvelope{
		JobID:       probe.JobID,
		ExitCode:    -1,
		CompletedAt: r.now().UTC(),
		FailureKind: envelope.FailureMalformedEnvelope,
		Detail:      decodeErr.Error(),
	}
	if err := r.publishResult(ctx, res); err != nil {
		r.logger.Error("failed to report malformed envelope", "job_id", probe.JobID, "error", err)
	}
}

// execute stages inputs, runs the command, and stages outputs. Always returns
// a result envelope; failure modes map to failure kinds, and a non-zero exit
// is a normal completion, not a failure.
func (r *Runner) execute(ctx context.Context, env *envelope.JobEnvelope, jobLogger *slog.Logger) *envelope.ResultEnvelope {
	ws, err := r.stager.StageIn(ctx, env.JobID, env.Inputs)
	if err != nil {
		jobLogger.Error("input staging failed, command not executed", "error", err)
		return r.failure(env.JobID, envelope.FailureStagingFailed, fmt.Sprintf("stage inputs: %v", err))
	}
	defer func() {
		if err := r.stager.Release(ctx, env.JobID); err != nil {
			jobLogger.Warn("scratch release failed", "error", err)
		}
	}()

	run, err := r.runCommand(ctx, ws.Dir, env, jobLogger)
	if err != nil {
		return r.failure(env.JobID, envelope.FailureExecFailed, err.Error())
	}

	stdoutKey := env.JobID + "/stdout"
	stderrKey := env.JobID + "/stderr"
	if _, err := r.stager.Upload(ctx, r.cfg.LogsBackend, stdoutKey, bytes.NewReader(run.stdout)); err != nil {
		return r.failure(env.JobID, envelope.FailureStagingFailed, fmt.Sprintf("upload stdout: %v", err))
	}
	if _, err := r.stager.Upload(ctx, r.cfg.LogsBackend, stderrKey, bytes.NewReader(run.stderr)); err != nil {
		return r.failure(env.JobID, envelope.FailureStagingFailed, fmt.Sprintf("upload stderr: %v", err))
	}

	// Outputs are pushed regardless of exit code; a failed command may still
	// have produced partial files worth inspecting.
	confirmations, err := r.stager.StageOut(ctx, ws, env.Outputs)
	if err != nil {
		jobLogger.Error("output staging failed", "error", err, "confirmed", len(confirmations))
		res := r.failure(env.JobID, envelope.FailureStagingFailed, fmt.Sprintf("stage outputs: %v", err))
		res.Outputs = confirmations
		res.StdoutKey = stdoutKey
		res.StderrKey = stderrKey
		return res
	}

	jobLogger.Info("job executed", "exit_code", run.exitCode)
	return &envelope.ResultEnvelope{
		JobID:       env.JobID,
		ExitCode:    run.exitCode,
		StdoutKey:   stdoutKey,
		StderrKey:   stderrKey,
		Outputs:     confirmations,
		CompletedAt: r.now().UTC(),
	}
}

type runOutcome struct {
	exitCode int
	stdout   []byte
	stderr   []byte
}

// runCommand executes the envelope's argv as a direct process, never through
// a shell. The argv reaches execve as discrete tokens, so metacharacters that
// survived validation still cannot become shell syntax here.
func (r *Runner) runCommand(ctx context.Context, scratchDir string, env *envelope.JobEnvelope, jobLogger *slog.Logger) (*runOutcome, error) {
	workDir, err := resolveWorkDir(scratchDir, env.WorkingDir)
	if err != nil {
		return nil, err
	}

	// Termination is managed by hand rather than exec.CommandContext so the
	// process gets a SIGTERM grace window before SIGKILL.
	cmd := exec.Command(env.Argv[0], env.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range env.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	jobLogger.Debug("spawning command", "argv0", env.Argv[0], "work_dir", workDir, "timeout", r.cfg.JobTimeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", env.Argv[0], err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeout := time.NewTimer(r.cfg.JobTimeout)
	defer timeout.Stop()

	select {
	case <-timeout.C:
		jobLogger.Warn("command timed out, sending SIGTERM")
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				jobLogger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			jobLogger.Info("command exited after SIGTERM")
		case <-grace.C:
			jobLogger.Warn("command ignored SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					jobLogger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}
		return nil, fmt.Errorf("execution timed out after %v", r.cfg.JobTimeout)

	case err := <-waitErr:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				jobLogger.Warn("command exited non-zero",
					"exit_code", exitCode, "stderr", truncateForLog(stderr.Bytes()))
			} else {
				return nil, fmt.Errorf("wait for %s: %w", env.Argv[0], err)
			}
		}
		return &runOutcome{exitCode: exitCode, stdout: stdout.Bytes(), stderr: stderr.Bytes()}, nil
	}
}

func (r *Runner) failure(jobID string, kind envelope.FailureKind, detail string) *envelope.ResultEnvelope {
	return &envelope.ResultEnvelope{
		JobID:       jobID,
		ExitCode:    -1,
		CompletedAt: r.now().UTC(),
		FailureKind: kind,
		Detail:      detail,
	}
}

func (r *Runner) publishClaim(ctx context.Context, jobID string) {
	claim := &envelope.ClaimNotice{JobID: jobID, Worker: r.cfg.Name, ClaimedAt: r.now().UTC()}
	var buf bytes.Buffer
	if err := envelope.EncodeClaim(&buf, claim); err != nil {
		log.WithJob(jobID).Warn("claim encode failed", "error", err)
		return
	}
	// Claims are advisory; a lost one costs at worst a spurious requeue.
	if err := r.broker.Publish(ctx, r.cfg.ClaimsQueue, buf.Bytes()); err != nil {
		log.WithJob(jobID).Warn("claim publish failed", "error", err)
	}
}

func (r *Runner) publishResult(ctx context.Context, res *envelope.ResultEnvelope) error {
	var buf bytes.Buffer
	if err := envelope.EncodeResult(&buf, res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.broker.Publish(ctx, r.cfg.ResultsQueue, buf.Bytes())
}

func (r *Runner) ack(ctx context.Context, delivery *broker.Delivery) {
	if err := r.broker.Ack(ctx, delivery); err != nil {
		r.logger.Error("ack failed", "error", err)
	}
}

func (r *Runner) nack(ctx context.Context, delivery *broker.Delivery) {
	if err := r.broker.Nack(ctx, delivery, r.cfg.PollInterval); err != nil {
		r.logger.Error("nack failed", "error", err)
	}
}

// resolveWorkDir pins the working directory inside the scratch directory. An
// absolute or escaping path in the envelope is refused, same rule as staged
// file paths.
func resolveWorkDir(scratchDir, workingDir string) (string, error) {
	if workingDir == "" {
		return scratchDir, nil
	}
	if filepath.IsAbs(workingDir) {
		return "", fmt.Errorf("working directory %q is absolute", workingDir)
	}
	joined := filepath.Join(scratchDir, workingDir)
	if joined != scratchDir && !strings.HasPrefix(joined, scratchDir+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %q escapes the scratch directory", workingDir)
	}
	if err := os.MkdirAll(joined, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return joined, nil
}

func truncateForLog(b []byte) string {
	if len(b) > maxCapturedLogBytes {
		b = b[:maxCapturedLogBytes]
	}
	return string(b)
}
