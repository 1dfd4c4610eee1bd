package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no blob.
var ErrNotFound = errors.New("blob not found")

// Ref describes a stored blob.
type Ref struct {
	Key    string
	Size   int64
	Digest string // hex BLAKE3 of the content
}

// Store is the blob storage collaborator: addressable read/write by key.
// Implementations must allow concurrent use and overwrite on Put.
type Store interface {
	// Put stores the content of r under key, replacing any existing blob.
	Put(ctx context.Context, key string, r io.Reader) (Ref, error)

	// Get opens the blob at key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns metadata for the blob at key.
	Stat(ctx context.Context, key string) (Ref, error)

	// Delete removes the blob at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ReadAll is a convenience wrapper over Get for small blobs.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
