package e2e

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/blob"
	"github.com/cmdrelay/cmdrelay/internal/broker"
	"github.com/cmdrelay/cmdrelay/internal/client"
	"github.com/cmdrelay/cmdrelay/internal/dispatch"
	"github.com/cmdrelay/cmdrelay/internal/events"
	"github.com/cmdrelay/cmdrelay/internal/log"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/staging"
	"github.com/cmdrelay/cmdrelay/internal/storage"
	"github.com/cmdrelay/cmdrelay/internal/store"
	"github.com/cmdrelay/cmdrelay/internal/worker"
	"github.com/cmdrelay/cmdrelay/internal/workspace"
)

const testPalette = `
templates:
  - name: echo
    argv: ["echo", "{word}"]
    params:
      - name: word
        pattern: "[A-Za-z0-9_-]+"
  - name: copy
    argv: ["cp", "in.txt", "out.txt"]
    inputs:
      - name: source
        path: in.txt
    outputs:
      - name: result
        path: out.txt
`

// rig wires a dispatcher, a worker, and a client against one SQLite database,
// the way a server process and a worker process share one deployment.
type rig struct {
	client     *client.Client
	dispatcher *dispatch.Dispatcher
	runner     *worker.Runner
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log.Setup("ERROR")

	tmpDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "cmdrelay.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	palettePath := filepath.Join(tmpDir, "palette.yaml")
	if err := os.WriteFile(palettePath, []byte(testPalette), 0o644); err != nil {
		t.Fatalf("write palette: %v", err)
	}
	pal, err := palette.Load(palettePath)
	if err != nil {
		t.Fatalf("load palette: %v", err)
	}

	blobs := blob.NewSQLiteStore(db)
	wsManager, err := workspace.NewFSManager(filepath.Join(tmpDir, "scratch"))
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}

	disp := dispatch.New(store.NewSQLiteStore(db), broker.NewSQLiteBroker(db), events.NewHub(64), dispatch.Config{
		PollInterval: 20 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
		AwaitPoll:    50 * time.Millisecond,
	})
	disp.Start(ctx)
	t.Cleanup(disp.Stop)

	runner := worker.New(broker.NewSQLiteBroker(db), staging.NewStager(wsManager, map[string]blob.Store{"default": blobs}), worker.Config{
		Name:         "e2e-worker",
		JobTimeout:   5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	runner.Start(ctx)
	t.Cleanup(runner.Stop)

	cl := client.New(pal, disp, blobs, client.Config{AwaitTimeout: 10 * time.Second})

	return &rig{client: cl, dispatcher: disp, runner: runner}
}

func TestRoundTripEcho(t *testing.T) {
	r := newRig(t)

	res, err := r.client.Run(context.Background(), "echo", map[string]string{"word": "hello"}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "hello" {
		t.Fatalf("expected stdout %q, got %q", "hello", got)
	}
}

func TestRoundTripFileStaging(t *testing.T) {
	r := newRig(t)

	workDir := t.TempDir()
	srcPath := filepath.Join(workDir, "source.txt")
	dstPath := filepath.Join(workDir, "copied.txt")
	if err := os.WriteFile(srcPath, []byte("payload\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	res, err := r.client.Run(context.Background(), "copy", nil,
		map[string]string{"source": srcPath},
		map[string]string{"result": dstPath})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}

	data, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "payload\n" {
		t.Fatalf("expected round-tripped payload, got %q", data)
	}
}

func TestValidationFailureNeverReachesQueue(t *testing.T) {
	r := newRig(t)

	_, err := r.client.Run(context.Background(), "echo", map[string]string{"word": "hi; rm -rf /"}, nil, nil)
	var invalid *palette.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	r := newRig(t)

	type outcome struct {
		word string
		res  *client.RunResult
		err  error
	}

	words := []string{"alpha", "bravo", "charlie", "delta"}
	results := make(chan outcome, len(words))
	for _, word := range words {
		go func(word string) {
			res, err := r.client.Run(context.Background(), "echo", map[string]string{"word": word}, nil, nil)
			results <- outcome{word: word, res: res, err: err}
		}(word)
	}

	for range words {
		out := <-results
		if out.err != nil {
			t.Fatalf("Run(%s): %v", out.word, out.err)
		}
		if got := strings.TrimSpace(string(out.res.Stdout)); got != out.word {
			t.Fatalf("expected stdout %q, got %q", out.word, got)
		}
	}
}
