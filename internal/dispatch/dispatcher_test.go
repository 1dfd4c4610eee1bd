package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/events"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/store"
	"github.com/cmdrelay/cmdrelay/internal/store/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeBroker records publishes and acks; Consume always reports empty. The
// loop plumbing is exercised by calling processResult/processClaim directly.
type fakeBroker struct {
	mu         sync.Mutex
	published  map[string][][]byte
	acked      []string
	nacked     []string
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (f *fakeBroker) Publish(_ context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[queue] = append(f.published[queue], append([]byte(nil), body...))
	return nil
}

func (f *fakeBroker) Consume(context.Context, string) (*broker.Delivery, error) {
	return nil, nil
}

func (f *fakeBroker) Ack(_ context.Context, d *broker.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d.ID)
	return nil
}

func (f *fakeBroker) Nack(_ context.Context, d *broker.Delivery, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, d.ID)
	return nil
}

func (f *fakeBroker) Depth(context.Context, string) (int, error) {
	return 0, nil
}

func (f *fakeBroker) publishedOn(queue string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[queue]
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *mocks.MockJobStore, *fakeBroker) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	st := mocks.NewMockJobStore(ctrl)
	fb := newFakeBroker()
	return New(st, fb, events.NewHub(64), cfg), st, fb
}

func terminalEvents(hub *events.Hub, jobID string) int {
	n := 0
	for _, ev := range hub.SnapshotSince(0) {
		if ev.JobID == jobID && (ev.Type == events.TypeJobCompleted || ev.Type == events.TypeJobFailed) {
			n++
		}
	}
	return n
}

func TestSubmitPersistsThenPublishes(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{})
	ctx := context.Background()

	cmd := &palette.ValidatedCommand{Template: "echo", Argv: []string{"echo", "hello"}}

	st.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *store.JobRecord) error {
			if rec.Status != store.StatusPending {
				t.Errorf("Create status = %s, want pending", rec.Status)
			}
			if rec.Envelope == nil || rec.Envelope.Template != "echo" {
				t.Errorf("Create envelope not populated: %+v", rec.Envelope)
			}
			return nil
		})
	st.EXPECT().CasStatus(gomock.Any(), gomock.Any(), store.StatusDispatched, gomock.Any(), store.StatusPending).
		Return(true, nil)

	jobID, err := d.Submit(ctx, cmd, map[string]string{"LC_ALL": "C"}, "", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID == "" {
		t.Fatal("Submit returned empty job_id")
	}

	msgs := fb.publishedOn(DefaultJobsQueue)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages on jobs queue, want 1", len(msgs))
	}
	env, err := envelope.DecodeJob(bytes.NewReader(msgs[0]))
	if err != nil {
		t.Fatalf("decode published envelope: %v", err)
	}
	if env.JobID != jobID {
		t.Errorf("envelope job_id = %q, want %q", env.JobID, jobID)
	}
	if env.Env["LC_ALL"] != "C" {
		t.Errorf("envelope env = %v", env.Env)
	}
}

func TestSubmitDistinctJobIDs(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})
	ctx := context.Background()
	cmd := &palette.ValidatedCommand{Template: "echo", Argv: []string{"echo", "x"}}

	st.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	st.EXPECT().CasStatus(gomock.Any(), gomock.Any(), store.StatusDispatched, gomock.Any(), store.StatusPending).
		Return(true, nil).Times(2)

	a, err := d.Submit(ctx, cmd, nil, "", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := d.Submit(ctx, cmd, nil, "", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a == b {
		t.Fatalf("two submissions shared job_id %q", a)
	}
}

func TestSubmitPublishFailureLeavesRecordPending(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{})
	fb.publishErr = errors.New("broker down")

	st.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	// No CasStatus: the record must stay pending when publish fails.

	_, err := d.Submit(context.Background(), &palette.ValidatedCommand{Template: "echo", Argv: []string{"echo"}}, nil, "", nil, nil)
	if err == nil {
		t.Fatal("Submit succeeded despite broker failure")
	}
}

func TestOnResultFoldsExactlyOnce(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})
	ctx := context.Background()

	res := &envelope.ResultEnvelope{JobID: "job-1", ExitCode: 0, CompletedAt: time.Now().UTC()}
	terminal := &store.JobRecord{JobID: "job-1", Status: store.StatusCompleted, Result: res}

	gomock.InOrder(
		st.EXPECT().FoldResult(gomock.Any(), res, store.StatusCompleted).Return(true, terminal, nil),
		st.EXPECT().FoldResult(gomock.Any(), res, store.StatusCompleted).Return(false, terminal, nil),
	)

	if err := d.OnResult(ctx, res); err != nil {
		t.Fatalf("first OnResult: %v", err)
	}
	// Redelivery of the same result is observably a no-op.
	if err := d.OnResult(ctx, res); err != nil {
		t.Fatalf("duplicate OnResult: %v", err)
	}

	if n := terminalEvents(d.Events(), "job-1"); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestOnResultConflictingLateResultDiscarded(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})

	recorded := &envelope.ResultEnvelope{JobID: "job-2", ExitCode: -1, FailureKind: envelope.FailureRetriesExhausted}
	terminal := &store.JobRecord{JobID: "job-2", Status: store.StatusFailed, Result: recorded}
	late := &envelope.ResultEnvelope{JobID: "job-2", ExitCode: 0, CompletedAt: time.Now().UTC()}

	st.EXPECT().FoldResult(gomock.Any(), late, store.StatusCompleted).Return(false, terminal, nil)

	if err := d.OnResult(context.Background(), late); err != nil {
		t.Fatalf("OnResult: %v", err)
	}
	if n := terminalEvents(d.Events(), "job-2"); n != 0 {
		t.Errorf("discarded result published %d events, want 0", n)
	}
}

func TestAwaitReturnsRecordedResult(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})

	res := &envelope.ResultEnvelope{JobID: "job-3", ExitCode: 2}
	st.EXPECT().Get(gomock.Any(), "job-3").Return(&store.JobRecord{
		JobID: "job-3", Status: store.StatusCompleted, Result: res,
	}, nil)

	got, err := d.Await(context.Background(), "job-3", time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.ExitCode != 2 {
		t.Errorf("exit_code = %d, want 2", got.ExitCode)
	}
}

func TestAwaitTimesOutWithoutCancellingJob(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{AwaitPoll: 10 * time.Millisecond})

	st.EXPECT().Get(gomock.Any(), "job-4").Return(&store.JobRecord{
		JobID: "job-4", Status: store.StatusRunning,
	}, nil).AnyTimes()
	// No FoldResult and no CasStatus: a caller timeout must not touch the job.

	_, err := d.Await(context.Background(), "job-4", 50*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("err = %v, want ErrAwaitTimeout", err)
	}
}

func TestAwaitWakesOnCompletionEvent(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{AwaitPoll: time.Minute})

	var mu sync.Mutex
	rec := &store.JobRecord{JobID: "job-5", Status: store.StatusRunning}
	st.EXPECT().Get(gomock.Any(), "job-5").DoAndReturn(
		func(context.Context, string) (*store.JobRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			cp := *rec
			return &cp, nil
		}).AnyTimes()

	go func() {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		rec.Status = store.StatusCompleted
		rec.Result = &envelope.ResultEnvelope{JobID: "job-5", ExitCode: 0}
		mu.Unlock()
		d.Events().Publish(events.TypeJobCompleted, "job-5", nil)
	}()

	start := time.Now()
	got, err := d.Await(context.Background(), "job-5", 5*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got == nil || got.ExitCode != 0 {
		t.Fatalf("result = %+v", got)
	}
	// AwaitPoll is a minute, so a fast return proves the event woke us.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Await took %v, event notification did not fire", elapsed)
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})

	st.EXPECT().Get(gomock.Any(), "job-6").Return(&store.JobRecord{
		JobID: "job-6", Status: store.StatusPending,
	}, nil)
	st.EXPECT().FoldResult(gomock.Any(), gomock.Any(), store.StatusFailed).DoAndReturn(
		func(_ context.Context, res *envelope.ResultEnvelope, _ store.Status) (bool, *store.JobRecord, error) {
			if res.FailureKind != envelope.FailureCancelled {
				t.Errorf("failure_kind = %s, want cancelled", res.FailureKind)
			}
			return true, &store.JobRecord{JobID: "job-6", Status: store.StatusFailed, Result: res}, nil
		})

	if err := d.Cancel(context.Background(), "job-6"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCancelRunningJobRefused(t *testing.T) {
	t.Parallel()
	d, st, _ := newTestDispatcher(t, Config{})

	st.EXPECT().Get(gomock.Any(), "job-7").Return(&store.JobRecord{
		JobID: "job-7", Status: store.StatusRunning,
	}, nil)

	err := d.Cancel(context.Background(), "job-7")
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestReapRequeuesStalledJob(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{MaxRetries: 3})
	ctx := context.Background()

	env := &envelope.JobEnvelope{JobID: "job-8", Template: "echo", Argv: []string{"echo", "hi"}}
	stalled := &store.JobRecord{JobID: "job-8", Status: store.StatusRunning, Envelope: env, RetryCount: 1}

	st.EXPECT().FindExpired(gomock.Any(), gomock.Any()).Return([]*store.JobRecord{stalled}, nil)
	st.EXPECT().UpdateForRetry(gomock.Any(), "job-8", store.StatusDispatched, 2, gomock.Any()).Return(nil)

	if err := d.reapOnce(ctx); err != nil {
		t.Fatalf("reapOnce: %v", err)
	}

	msgs := fb.publishedOn(DefaultJobsQueue)
	if len(msgs) != 1 {
		t.Fatalf("requeue published %d messages, want 1", len(msgs))
	}
	requeued, err := envelope.DecodeJob(bytes.NewReader(msgs[0]))
	if err != nil {
		t.Fatalf("decode requeued envelope: %v", err)
	}
	if requeued.JobID != "job-8" {
		t.Errorf("requeued job_id = %q", requeued.JobID)
	}
}

func TestReapExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{MaxRetries: 2})
	ctx := context.Background()

	env := &envelope.JobEnvelope{JobID: "job-9", Template: "echo", Argv: []string{"echo"}}
	exhausted := &store.JobRecord{JobID: "job-9", Status: store.StatusDispatched, Envelope: env, RetryCount: 2}

	st.EXPECT().FindExpired(gomock.Any(), gomock.Any()).Return([]*store.JobRecord{exhausted}, nil)
	st.EXPECT().FoldResult(gomock.Any(), gomock.Any(), store.StatusFailed).DoAndReturn(
		func(_ context.Context, res *envelope.ResultEnvelope, _ store.Status) (bool, *store.JobRecord, error) {
			if res.FailureKind != envelope.FailureRetriesExhausted {
				t.Errorf("failure_kind = %s, want retries_exhausted", res.FailureKind)
			}
			return true, &store.JobRecord{JobID: "job-9", Status: store.StatusFailed, Result: res}, nil
		})

	if err := d.reapOnce(ctx); err != nil {
		t.Fatalf("reapOnce: %v", err)
	}
	if msgs := fb.publishedOn(DefaultJobsQueue); len(msgs) != 0 {
		t.Errorf("exhausted job was republished %d times", len(msgs))
	}
}

func TestProcessClaimMarksRunning(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{})

	var buf bytes.Buffer
	claim := &envelope.ClaimNotice{JobID: "job-10", Worker: "w1", ClaimedAt: time.Now().UTC()}
	if err := envelope.EncodeClaim(&buf, claim); err != nil {
		t.Fatalf("encode claim: %v", err)
	}

	st.EXPECT().CasStatus(gomock.Any(), "job-10", store.StatusRunning, gomock.Any(),
		store.StatusDispatched, store.StatusRunning).Return(true, nil)

	d.processClaim(context.Background(), &broker.Delivery{ID: "d1", Queue: DefaultClaimsQueue, Body: buf.Bytes()})

	if len(fb.acked) != 1 {
		t.Errorf("claim delivery not acked")
	}
}

func TestProcessResultMalformedButAttributable(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{})

	// Fails full decode (failure_kind outside the closed set) but still
	// carries a job_id, so the job gets a terminal malformed_envelope record.
	body := []byte(`{"job_id":"job-11","failure_kind":"bogus"}`)

	st.EXPECT().FoldResult(gomock.Any(), gomock.Any(), store.StatusFailed).DoAndReturn(
		func(_ context.Context, res *envelope.ResultEnvelope, _ store.Status) (bool, *store.JobRecord, error) {
			if res.FailureKind != envelope.FailureMalformedEnvelope {
				t.Errorf("failure_kind = %s, want malformed_envelope", res.FailureKind)
			}
			return true, &store.JobRecord{JobID: "job-11", Status: store.StatusFailed, Result: res}, nil
		})

	d.processResult(context.Background(), &broker.Delivery{ID: "d2", Queue: DefaultResultsQueue, Body: body})

	if len(fb.acked) != 1 {
		t.Errorf("malformed result not acked")
	}
}

func TestProcessResultUnattributableDropped(t *testing.T) {
	t.Parallel()
	d, _, fb := newTestDispatcher(t, Config{})

	// No store expectations: garbage with no job_id is logged and dropped.
	d.processResult(context.Background(), &broker.Delivery{ID: "d3", Queue: DefaultResultsQueue, Body: []byte("not json at all")})

	if len(fb.acked) != 1 {
		t.Errorf("unattributable result not acked")
	}
}

func TestProcessResultStoreErrorRedelivers(t *testing.T) {
	t.Parallel()
	d, st, fb := newTestDispatcher(t, Config{})

	res := &envelope.ResultEnvelope{JobID: "job-12", ExitCode: 0, CompletedAt: time.Now().UTC()}
	var buf bytes.Buffer
	if err := envelope.EncodeResult(&buf, res); err != nil {
		t.Fatalf("encode result: %v", err)
	}

	st.EXPECT().FoldResult(gomock.Any(), gomock.Any(), store.StatusCompleted).
		Return(false, nil, errors.New("store unavailable"))

	d.processResult(context.Background(), &broker.Delivery{ID: "d4", Queue: DefaultResultsQueue, Body: buf.Bytes()})

	if len(fb.nacked) != 1 {
		t.Errorf("store failure should nack for redelivery, nacked=%d acked=%d", len(fb.nacked), len(fb.acked))
	}
}
