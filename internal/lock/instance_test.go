package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = g.Release() })

	b, err := os.ReadFile(filepath.Join(dir, "server.lock"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		t.Fatalf("lock file does not contain a PID: %q", b)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
}

func TestSecondAcquireSameRoleFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = g.Release() })

	if _, err := Acquire(dir, "server"); err == nil {
		t.Fatalf("expected second acquire of same role to fail")
	}
}

func TestDifferentRolesCoexist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g1, err := Acquire(dir, "server")
	if err != nil {
		t.Fatalf("Acquire server: %v", err)
	}
	t.Cleanup(func() { _ = g1.Release() })

	g2, err := Acquire(dir, "worker")
	if err != nil {
		t.Fatalf("Acquire worker: %v", err)
	}
	t.Cleanup(func() { _ = g2.Release() })
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, err := Acquire(dir, "worker")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("double Release: %v", err)
	}

	g2, err := Acquire(dir, "worker")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = g2.Release()
}
