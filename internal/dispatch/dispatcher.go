package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/events"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/store"
)

// Queue names shared between dispatcher and workers.
const (
	DefaultJobsQueue    = "jobs"
	DefaultResultsQueue = "results"
	DefaultClaimsQueue  = "claims"
)

var (
	// ErrAwaitTimeout means the caller's wait deadline elapsed. The job keeps
	// running; only the wait is abandoned.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrNotCancellable means the job already reached a state cancel cannot
	// touch (running or terminal).
	ErrNotCancellable = errors.New("job not cancellable")
)

// Config tunes the dispatcher loops. Zero values pick the defaults below.
type Config struct {
	JobsQueue    string
	ResultsQueue string
	ClaimsQueue  string

	// MaxRetries bounds the requeue loop. A job reaped more than this many
	// times ends terminal Failed with kind retries_exhausted.
	MaxRetries int

	// ClaimTimeout is how long a dispatched or running job may go without
	// progress before the reaper requeues it.
	ClaimTimeout time.Duration

	// ReapInterval is the reaper's scan period.
	ReapInterval time.Duration

	// PollInterval is the consume loops' idle sleep when their queue is empty.
	PollInterval time.Duration

	// AwaitPoll is Await's store re-check period, a safety net for results
	// folded by another replica whose events this process never sees.
	AwaitPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.JobsQueue == "" {
		c.JobsQueue = DefaultJobsQueue
	}
	if c.ResultsQueue == "" {
		c.ResultsQueue = DefaultResultsQueue
	}
	if c.ClaimsQueue == "" {
		c.ClaimsQueue = DefaultClaimsQueue
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.AwaitPoll <= 0 {
		c.AwaitPoll = 2 * time.Second
	}
	return c
}

// Dispatcher submits jobs, folds results, and requeues stalled work.
type Dispatcher struct {
	store  store.JobStore
	broker broker.Broker
	events *events.Hub
	cfg    Config
	logger *slog.Logger

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher. A nil hub gets a private one, which is fine for
// single-process deployments.
func New(st store.JobStore, b broker.Broker, hub *events.Hub, cfg Config) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Dispatcher{
		store:  st,
		broker: b,
		events: hub,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("dispatch"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Events exposes the hub so the API layer can stream job transitions.
func (d *Dispatcher) Events() *events.Hub {
	return d.events
}

// Submit persists a new job record and hands the envelope to the broker.
// Safe under concurrent submissions; every call allocates a fresh job_id.
// On broker failure the record is left pending and the error returned; the
// caller retries the whole submission.
func (d *Dispatcher) Submit(ctx context.Context, cmd *palette.ValidatedCommand, env map[string]string, workingDir string, inputs, outputs []envelope.FileHandle) (string, error) {
	jobID := uuid.NewString()

	jobEnv := &envelope.JobEnvelope{
		JobID:       jobID,
		Template:    cmd.Template,
		Argv:        append([]string(nil), cmd.Argv...),
		Env:         env,
		WorkingDir:  workingDir,
		Inputs:      inputs,
		Outputs:     outputs,
		SubmittedAt: d.now().UTC(),
	}

	rec := &store.JobRecord{
		JobID:    jobID,
		Status:   store.StatusPending,
		Envelope: jobEnv,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	d.events.Publish(events.TypeJobSubmitted, jobID, map[string]any{"template": cmd.Template})

	var buf bytes.Buffer
	if err := envelope.EncodeJob(&buf, jobEnv); err != nil {
		return "", fmt.Errorf("encode job envelope: %w", err)
	}
	if err := d.broker.Publish(ctx, d.cfg.JobsQueue, buf.Bytes()); err != nil {
		return "", fmt.Errorf("publish job %s: %w", jobID, err)
	}

	deadline := d.now().UTC().Add(d.cfg.ClaimTimeout)
	ok, err := d.store.CasStatus(ctx, jobID, store.StatusDispatched, &deadline, store.StatusPending)
	if err != nil {
		return "", fmt.Errorf("mark job %s dispatched: %w", jobID, err)
	}
	if !ok {
		// A concurrent cancel got in first. The envelope is on the queue, but
		// the terminal record wins; any late result is folded away.
		d.logger.Warn("job left pending state before dispatch transition", "job_id", jobID)
		return jobID, nil
	}
	d.events.Publish(events.TypeJobDispatched, jobID, nil)

	log.WithJob(jobID).Info("job submitted", "template", cmd.Template, "argv_len", len(cmd.Argv))
	return jobID, nil
}

// Await blocks until the job reaches a terminal state, the timeout elapses,
// or ctx is done. A timeout abandons only the wait, never the job.
func (d *Dispatcher) Await(ctx context.Context, jobID string, timeout time.Duration) (*envelope.ResultEnvelope, error) {
	// Subscribe before the first store read so a result folded between the
	// read and the wait still wakes us.
	ch, cancel := d.events.Subscribe()
	defer cancel()

	check := func() (*envelope.ResultEnvelope, bool, error) {
		rec, err := d.store.Get(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if rec.Status.Terminal() {
			return rec.Result, true, nil
		}
		return nil, false, nil
	}

	if res, done, err := check(); err != nil || done {
		return res, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(d.cfg.AwaitPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrAwaitTimeout
		case ev := <-ch:
			if ev.JobID != jobID {
				continue
			}
			if ev.Type != events.TypeJobCompleted && ev.Type != events.TypeJobFailed {
				continue
			}
			if res, done, err := check(); err != nil || done {
				return res, err
			}
		case <-poll.C:
			if res, done, err := check(); err != nil || done {
				return res, err
			}
		}
	}
}

// OnResult folds one result envelope into the job record. Idempotent: a
// record already terminal absorbs duplicates as no-ops, so redelivered or
// concurrently delivered results never produce a second visible outcome.
func (d *Dispatcher) OnResult(ctx context.Context, res *envelope.ResultEnvelope) error {
	to := store.StatusCompleted
	if res.Failed() {
		to = store.StatusFailed
	}

	folded, prev, err := d.store.FoldResult(ctx, res, to)
	if err != nil {
		return fmt.Errorf("fold result for %s: %w", res.JobID, err)
	}

	jobLogger := log.WithJob(res.JobID)
	if !folded {
		if prev != nil && prev.Result != nil && prev.Result.Equal(res) {
			jobLogger.Debug("duplicate result discarded", "status", prev.Status)
		} else {
			jobLogger.Warn("conflicting late result discarded",
				"recorded_status", prev.Status, "late_failure_kind", res.FailureKind)
		}
		return nil
	}

	eventType := events.TypeJobCompleted
	if to == store.StatusFailed {
		eventType = events.TypeJobFailed
	}
	d.events.Publish(eventType, res.JobID, map[string]any{
		"exit_code":    res.ExitCode,
		"failure_kind": res.FailureKind,
	})
	jobLogger.Info("result recorded", "status", to, "exit_code", res.ExitCode, "failure_kind", res.FailureKind)
	return nil
}

// Cancel is best-effort: a pending or dispatched job becomes Failed with kind
// cancelled. A running job is left alone; its eventual result stands. A job
// that slips into running between the check and the fold still ends cancelled,
// and the worker's late result is discarded by the fold.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	rec, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusPending && rec.Status != store.StatusDispatched {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, rec.Status)
	}

	res := &envelope.ResultEnvelope{
		JobID:       jobID,
		ExitCode:    -1,
		CompletedAt: d.now().UTC(),
		FailureKind: envelope.FailureCancelled,
		Detail:      "cancelled by client",
	}
	return d.OnResult(ctx, res)
}

// Start launches the result loop, claim loop, and requeue reaper. Blocking
// work happens in goroutines; Start itself returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher starting",
		"jobs_queue", d.cfg.JobsQueue,
		"max_retries", d.cfg.MaxRetries,
		"claim_timeout", d.cfg.ClaimTimeout)

	d.wg.Add(3)
	go d.consumeLoop(ctx, d.cfg.ResultsQueue, d.processResult)
	go d.consumeLoop(ctx, d.cfg.ClaimsQueue, d.processClaim)
	go d.reapLoop(ctx)
}

// Stop waits for the loops to drain their current message and exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// consumeLoop drains one queue, sleeping PollInterval when empty and backing
// off on broker errors so an unavailable broker does not spin the CPU.
func (d *Dispatcher) consumeLoop(ctx context.Context, queue string, handle func(context.Context, *broker.Delivery)) {
	defer d.wg.Done()

	backoff := newBackoff(d.cfg.PollInterval, 30*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		delivery, err := d.broker.Consume(ctx, queue)
		if err != nil {
			d.logger.Error("consume failed", "queue", queue, "error", err)
			if !d.sleep(ctx, backoff.next()) {
				return
			}
			continue
		}
		backoff.reset()

		if delivery == nil {
			if !d.sleep(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}

		handle(ctx, delivery)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// processResult decodes and folds one result delivery. Malformed bytes mark
// the job Failed when a job_id can still be scraped out of them; otherwise
// the message is logged and dropped. Store errors nack the delivery so it
// comes back later.
func (d *Dispatcher) processResult(ctx context.Context, delivery *broker.Delivery) {
	res, err := envelope.DecodeResult(bytes.NewReader(delivery.Body))
	if err != nil {
		d.handleMalformedResult(ctx, delivery, err)
		return
	}

	if err := d.OnResult(ctx, res); err != nil {
		d.logger.Error("result fold failed, redelivering", "job_id", res.JobID, "error", err)
		d.nack(ctx, delivery)
		return
	}
	d.ack(ctx, delivery)
}

func (d *Dispatcher) handleMalformedResult(ctx context.Context, delivery *broker.Delivery, decodeErr error) {
	jobID := scrapeJobID(delivery.Body)
	if jobID == "" {
		d.logger.Error("unattributable malformed result dropped",
			"queue", delivery.Queue, "bytes", len(delivery.Body), "error", decodeErr)
		d.ack(ctx, delivery)
		return
	}

	res := &envelope.ResultEnvelope{
		JobID:       jobID,
		ExitCode:    -1,
		CompletedAt: d.now().UTC(),
		FailureKind: envelope.FailureMalformedEnvelope,
		Detail:      decodeErr.Error(),
	}
	if err := d.OnResult(ctx, res); err != nil {
		d.logger.Error("failed to record malformed result", "job_id", jobID, "error", err)
		d.nack(ctx, delivery)
		return
	}
	d.ack(ctx, delivery)
}

// processClaim records the Running transition for a claimed job and refreshes
// its deadline. Claims are advisory: whatever the outcome, the delivery is
// acked, because a lost claim costs at worst one spurious requeue.
func (d *Dispatcher) processClaim(ctx context.Context, delivery *broker.Delivery) {
	defer d.ack(ctx, delivery)

	claim, err := envelope.DecodeClaim(bytes.NewReader(delivery.Body))
	if err != nil {
		d.logger.Warn("malformed claim notice dropped", "error", err)
		return
	}

	deadline := d.now().UTC().Add(d.cfg.ClaimTimeout)
	ok, err := d.store.CasStatus(ctx, claim.JobID, store.StatusRunning, &deadline,
		store.StatusDispatched, store.StatusRunning)
	if err != nil {
		d.logger.Error("claim transition failed", "job_id", claim.JobID, "error", err)
		return
	}
	if !ok {
		// Terminal already, or a requeue raced the claim. Harmless either way.
		log.WithJob(claim.JobID).Debug("claim ignored", "worker", claim.Worker)
		return
	}
	log.WithJob(claim.JobID).Info("job claimed", "worker", claim.Worker)
	d.events.Publish(events.TypeJobRunning, claim.JobID, map[string]any{"worker": claim.Worker})
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.reapOnce(ctx); err != nil {
				d.logger.Error("reap pass failed", "error", err)
			}
		}
	}
}

// reapOnce requeues jobs whose claim deadline passed, bounding retries.
// Republish happens before the record update: a crash between the two means
// one extra execution, which the idempotent fold absorbs, rather than a job
// stranded off every queue.
func (d *Dispatcher) reapOnce(ctx context.Context) error {
	expired, err := d.store.FindExpired(ctx, d.now().UTC())
	if err != nil {
		return fmt.Errorf("find expired jobs: %w", err)
	}

	for _, rec := range expired {
		jobLogger := log.WithJob(rec.JobID)

		if rec.RetryCount >= d.cfg.MaxRetries {
			res := &envelope.ResultEnvelope{
				JobID:       rec.JobID,
				ExitCode:    -1,
				CompletedAt: d.now().UTC(),
				FailureKind: envelope.FailureRetriesExhausted,
				Detail:      fmt.Sprintf("no completion after %d attempts", rec.RetryCount+1),
			}
			if err := d.OnResult(ctx, res); err != nil {
				jobLogger.Error("failed to record retry exhaustion", "error", err)
			}
			continue
		}

		var buf bytes.Buffer
		if err := envelope.EncodeJob(&buf, rec.Envelope); err != nil {
			jobLogger.Error("requeue encode failed", "error", err)
			continue
		}
		if err := d.broker.Publish(ctx, d.cfg.JobsQueue, buf.Bytes()); err != nil {
			jobLogger.Error("requeue publish failed", "error", err)
			continue
		}

		deadline := d.now().UTC().Add(d.cfg.ClaimTimeout)
		if err := d.store.UpdateForRetry(ctx, rec.JobID, store.StatusDispatched, rec.RetryCount+1, &deadline); err != nil {
			jobLogger.Error("requeue record update failed", "error", err)
			continue
		}
		jobLogger.Warn("stalled job requeued", "retry_count", rec.RetryCount+1, "was_status", rec.Status)
		d.events.Publish(events.TypeJobRequeued, rec.JobID, map[string]any{"retry_count": rec.RetryCount + 1})
	}
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, delivery *broker.Delivery) {
	if err := d.broker.Ack(ctx, delivery); err != nil {
		d.logger.Error("ack failed", "queue", delivery.Queue, "error", err)
	}
}

func (d *Dispatcher) nack(ctx context.Context, delivery *broker.Delivery) {
	if err := d.broker.Nack(ctx, delivery, d.cfg.PollInterval); err != nil {
		d.logger.Error("nack failed", "queue", delivery.Queue, "error", err)
	}
}

// scrapeJobID best-effort extracts a job_id from bytes that failed full
// decoding, so a result that is malformed but attributable still marks its
// job Failed instead of leaving it to time out.
func scrapeJobID(body []byte) string {
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.JobID
}

type backoff struct {
	base    time.Duration
	cap     time.Duration
	current time.Duration
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap}
}

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else {
		b.current *= 2
		if b.current > b.cap {
			b.current = b.cap
		}
	}
	return b.current
}

func (b *backoff) reset() {
	b.current = 0
}
