// Package blob provides the session-addressed artifact store. Keys are
// slash-separated paths whose first segment is the owning session id, so a
// whole session's artifacts can be dropped with one prefix delete.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Get and Stat for unknown keys, regardless of
// backend.
var ErrNotExist = errors.New("blob: key does not exist")

// Info describes a stored blob.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Store abstracts artifact persistence. The local-disk implementation is the
// default; an S3 implementation can be swapped in via config.
type Store interface {
	// Put streams r into the blob at key, replacing any existing content,
	// and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens a streaming read of the blob. The caller must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a single blob. Absent keys are a no-op.
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every blob under the given prefix.
	DeleteAll(ctx context.Context, prefix string) error
	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Stat reports size and modification time for a key.
	Stat(ctx context.Context, key string) (Info, error)
}
