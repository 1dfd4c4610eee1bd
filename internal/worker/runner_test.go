package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/blob"
	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/envelope"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/staging"
	"github.com/cmdrelay/cmdrelay/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// capturingBroker records publishes; Consume is unused because tests drive
// processDelivery directly.
type capturingBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	acked     []string
	nacked    []string
}

func newCapturingBroker() *capturingBroker {
	return &capturingBroker{published: make(map[string][][]byte)}
}

func (b *capturingBroker) Publish(_ context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[queue] = append(b.published[queue], append([]byte(nil), body...))
	return nil
}

func (b *capturingBroker) Consume(context.Context, string) (*broker.Delivery, error) {
	return nil, nil
}

func (b *capturingBroker) Ack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.ID)
	return nil
}

func (b *capturingBroker) Nack(_ context.Context, d *broker.Delivery, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, d.ID)
	return nil
}

func (b *capturingBroker) Depth(context.Context, string) (int, error) { return 0, nil }

func (b *capturingBroker) on(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[queue]
}

type testRig struct {
	runner  *Runner
	broker  *capturingBroker
	blobs   blob.Store
	scratch string
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	scratchRoot := t.TempDir()
	manager, err := workspace.NewFSManager(scratchRoot)
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	blobs, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	stager := staging.NewStager(manager, map[string]blob.Store{"default": blobs})
	cb := newCapturingBroker()
	cfg.Name = "test-worker"
	return &testRig{
		runner:  New(cb, stager, cfg),
		broker:  cb,
		blobs:   blobs,
		scratch: scratchRoot,
	}
}

func (rig *testRig) deliver(t *testing.T, env *envelope.JobEnvelope) *envelope.ResultEnvelope {
	t.Helper()

	var buf bytes.Buffer
	if err := envelope.EncodeJob(&buf, env); err != nil {
		t.Fatalf("encode job: %v", err)
	}
	rig.runner.processDelivery(context.Background(), &broker.Delivery{
		ID: "d-" + env.JobID, Queue: "jobs", Body: buf.Bytes(), DeliveryCount: 1,
	})

	results := rig.broker.on("results")
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1", len(results))
	}
	res, err := envelope.DecodeResult(bytes.NewReader(results[0]))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func (rig *testRig) blobBytes(t *testing.T, key string) []byte {
	t.Helper()
	b, err := blob.ReadAll(context.Background(), rig.blobs, key)
	if err != nil {
		t.Fatalf("read blob %q: %v", key, err)
	}
	return b
}

func TestRunnerExecutesEchoJob(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-echo",
		Template:    "echo",
		Argv:        []string{"echo", "hello"},
		SubmittedAt: time.Now().UTC(),
	})

	if res.Failed() {
		t.Fatalf("result failed: %s %s", res.FailureKind, res.Detail)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", res.ExitCode)
	}
	if got := string(rig.blobBytes(t, res.StdoutKey)); got != "hello\n" {
		t.Errorf("stdout blob = %q, want %q", got, "hello\n")
	}

	claims := rig.broker.on("claims")
	if len(claims) != 1 {
		t.Fatalf("published %d claims, want 1", len(claims))
	}
	claim, err := envelope.DecodeClaim(bytes.NewReader(claims[0]))
	if err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.JobID != "job-echo" || claim.Worker != "test-worker" {
		t.Errorf("claim = %+v", claim)
	}

	if len(rig.broker.acked) != 1 {
		t.Errorf("delivery not acked")
	}
}

func TestNonZeroExitIsCompletedNotFailed(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-false",
		Template:    "false",
		Argv:        []string{"false"},
		SubmittedAt: time.Now().UTC(),
	})

	if res.Failed() {
		t.Fatalf("non-zero exit reported as failure kind %s", res.FailureKind)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit_code = %d, want 1", res.ExitCode)
	}
}

func TestMissingInputBlobFailsWithoutExecuting(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	marker := filepath.Join(t.TempDir(), "executed")
	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:    "job-noinput",
		Template: "touch",
		Argv:     []string{"touch", marker},
		Inputs: []envelope.FileHandle{{
			Backend: "default", Key: "job-noinput/in.txt", Role: envelope.RoleInput, LocalPath: "in.txt",
		}},
		SubmittedAt: time.Now().UTC(),
	})

	if res.FailureKind != envelope.FailureStagingFailed {
		t.Fatalf("failure_kind = %s, want staging_failed", res.FailureKind)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("command executed despite failed input staging")
	}
}

func TestInputsStagedAndOutputsUploaded(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})
	ctx := context.Background()

	if _, err := rig.blobs.Put(ctx, "job-cp/in.txt", strings.NewReader("payload\n")); err != nil {
		t.Fatalf("seed input blob: %v", err)
	}

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:    "job-cp",
		Template: "copy",
		Argv:     []string{"cp", "in.txt", "out.txt"},
		Inputs: []envelope.FileHandle{{
			Backend: "default", Key: "job-cp/in.txt", Role: envelope.RoleInput, LocalPath: "in.txt",
		}},
		Outputs: []envelope.FileHandle{{
			Backend: "default", Key: "job-cp/out.txt", Role: envelope.RoleOutput, LocalPath: "out.txt",
		}},
		SubmittedAt: time.Now().UTC(),
	})

	if res.Failed() || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Outputs) != 1 || !res.Outputs[0].Present {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
	if res.Outputs[0].Handle.Digest == "" {
		t.Error("confirmed output has no digest")
	}
	if got := string(rig.blobBytes(t, "job-cp/out.txt")); got != "payload\n" {
		t.Errorf("output blob = %q", got)
	}
}

func TestMissingDeclaredOutputReportedAbsent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:    "job-noout",
		Template: "true",
		Argv:     []string{"true"},
		Outputs: []envelope.FileHandle{{
			Backend: "default", Key: "job-noout/never.txt", Role: envelope.RoleOutput, LocalPath: "never.txt",
		}},
		SubmittedAt: time.Now().UTC(),
	})

	if res.Failed() {
		t.Fatalf("missing output escalated to failure: %s", res.FailureKind)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Present {
		t.Fatalf("outputs = %+v, want one absent confirmation", res.Outputs)
	}
}

func TestTimeoutKillsCommand(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{JobTimeout: 100 * time.Millisecond})

	start := time.Now()
	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-sleep",
		Template:    "sleep",
		Argv:        []string{"sleep", "30"},
		SubmittedAt: time.Now().UTC(),
	})

	if res.FailureKind != envelope.FailureExecFailed {
		t.Fatalf("failure_kind = %s, want exec_failed", res.FailureKind)
	}
	// sleep exits on SIGTERM, so this should be far under the 30s nap.
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestUnknownBinaryIsExecFailure(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-missing-bin",
		Template:    "ghost",
		Argv:        []string{"/nonexistent/binary"},
		SubmittedAt: time.Now().UTC(),
	})

	if res.FailureKind != envelope.FailureExecFailed {
		t.Fatalf("failure_kind = %s, want exec_failed", res.FailureKind)
	}
}

func TestScratchDirectoryRemovedAfterRun(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-clean",
		Template:    "true",
		Argv:        []string{"true"},
		SubmittedAt: time.Now().UTC(),
	})

	entries, err := os.ReadDir(rig.scratch)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root still holds %d entries after run", len(entries))
	}
}

func TestMalformedJobAttributableReportsFailure(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	// Decodable JSON with the argv missing: DecodeJob rejects it, but the
	// job_id survives for attribution.
	rig.runner.processDelivery(context.Background(), &broker.Delivery{
		ID: "d-bad", Queue: "jobs", Body: []byte(`{"job_id":"job-bad"}`),
	})

	results := rig.broker.on("results")
	if len(results) != 1 {
		t.Fatalf("published %d results, want 1", len(results))
	}
	res, err := envelope.DecodeResult(bytes.NewReader(results[0]))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.JobID != "job-bad" || res.FailureKind != envelope.FailureMalformedEnvelope {
		t.Errorf("result = %+v", res)
	}
	if len(rig.broker.acked) != 1 {
		t.Errorf("malformed delivery not acked")
	}
}

func TestMalformedJobUnattributableDropped(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	rig.runner.processDelivery(context.Background(), &broker.Delivery{
		ID: "d-garbage", Queue: "jobs", Body: []byte("garbage bytes"),
	})

	if results := rig.broker.on("results"); len(results) != 0 {
		t.Errorf("unattributable envelope produced %d results", len(results))
	}
	if len(rig.broker.acked) != 1 {
		t.Errorf("garbage delivery not acked")
	}
}

func TestWorkingDirectoryEscapeRefused(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, Config{})

	res := rig.deliver(t, &envelope.JobEnvelope{
		JobID:       "job-escape",
		Template:    "true",
		Argv:        []string{"true"},
		WorkingDir:  "../outside",
		SubmittedAt: time.Now().UTC(),
	})

	if res.FailureKind != envelope.FailureExecFailed {
		t.Fatalf("failure_kind = %s, want exec_failed", res.FailureKind)
	}
}
