// Package lock guards against concurrent instances of the same process role
// sharing one data directory. The server and each worker take a role-named
// flock(2)-backed PID file; the lock lives as long as the descriptor stays
// open, so a crashed process never leaves a stale lock behind.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Guard holds an exclusive instance lock. Release it on shutdown.
type Guard struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive lock for role under dir, writing the current
// PID into the lock file. It fails immediately if another live process of
// the same role already holds it.
func Acquire(dir, role string) (*Guard, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if role == "" {
		return nil, fmt.Errorf("lock role is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(dir, role+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("%s already running (pid %d)", role, holder)
		}
		return nil, fmt.Errorf("acquire %s lock: %w", role, err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &Guard{path: path, f: f}, nil
}

// Path returns the lock file location.
func (g *Guard) Path() string { return g.path }

// Release drops the lock. Safe to call more than once.
func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	_ = syscall.Flock(int(g.f.Fd()), syscall.LOCK_UN)
	err := g.f.Close()
	g.f = nil
	return err
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func readHolder(f *os.File) int {
	b := make([]byte, 32)
	n, err := f.ReadAt(b, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b[:n])))
	if err != nil {
		return 0
	}
	return pid
}
