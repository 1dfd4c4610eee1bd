package blob

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
)

const maxBlobBytes = 256 << 20 // 256 MiB per blob

// SQLiteStore keeps blobs in the service database's blobs table. Suitable for
// the transit role the staging protocol needs: inputs and outputs live here
// only between submission and collection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an already-bootstrapped database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Put(ctx context.Context, key string, r io.Reader) (Ref, error) {
	if key == "" {
		return Ref{}, fmt.Errorf("blob key is empty")
	}

	content, err := io.ReadAll(io.LimitReader(r, maxBlobBytes+1))
	if err != nil {
		return Ref{}, fmt.Errorf("read blob content: %w", err)
	}
	if len(content) > maxBlobBytes {
		return Ref{}, fmt.Errorf("blob %q exceeds max size (%d bytes)", key, maxBlobBytes)
	}

	sum := blake3.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO blobs(key, content, digest, size, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  content = excluded.content,
  digest = excluded.digest,
  size = excluded.size,
  created_at = excluded.created_at;
`, key, content, digest, len(content), now)
	if err != nil {
		return Ref{}, fmt.Errorf("upsert blob %q: %w", key, err)
	}

	return Ref{Key: key, Size: int64(len(content)), Digest: digest}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var content []byte
	var digest string
	err := s.db.QueryRowContext(ctx,
		"SELECT content, digest FROM blobs WHERE key = ?;", key).Scan(&content, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", key, err)
	}

	// Integrity check before handing bytes to the staging layer.
	sum := blake3.Sum256(content)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, fmt.Errorf("blob %q failed digest verification", key)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *SQLiteStore) Stat(ctx context.Context, key string) (Ref, error) {
	var size int64
	var digest string
	err := s.db.QueryRowContext(ctx,
		"SELECT size, digest FROM blobs WHERE key = ?;", key).Scan(&size, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("stat blob %q: %w", key, err)
	}
	return Ref{Key: key, Size: size, Digest: digest}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?;", key); err != nil {
		return fmt.Errorf("delete blob %q: %w", key, err)
	}
	return nil
}
