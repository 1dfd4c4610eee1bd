package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// DirStore keeps blobs as files under a base directory, one file per key.
// Useful when workers share a filesystem with the dispatcher, and in tests.
type DirStore struct {
	baseDir string
}

// NewDirStore creates a filesystem-backed store rooted at baseDir.
func NewDirStore(baseDir string) (*DirStore, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("blob base directory is empty")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create blob base directory: %w", err)
	}
	return &DirStore{baseDir: filepath.Clean(trimmed)}, nil
}

var _ Store = (*DirStore)(nil)

func (s *DirStore) Put(ctx context.Context, key string, r io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("create blob directory: %w", err)
	}

	// Write to a temp name first so readers never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp blob: %w", err)
	}
	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("write blob %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("commit blob %q: %w", key, err)
	}

	return Ref{Key: key, Size: size, Digest: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (s *DirStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %q: %w", key, err)
	}
	return f, nil
}

func (s *DirStore) Stat(ctx context.Context, key string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return Ref{}, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Ref{}, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("stat blob %q: %w", key, err)
	}
	return Ref{Key: key, Size: info.Size()}, nil
}

func (s *DirStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %q: %w", key, err)
	}
	return nil
}

// keyPath maps a key to a path under baseDir, refusing traversal outside it.
func (s *DirStore) keyPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("blob key is empty")
	}
	cleaned := filepath.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("blob key %q is invalid", key)
	}
	return filepath.Join(s.baseDir, cleaned), nil
}
