// Package blob stores file version content addressed by its sha256 hash.
// Backends stream through io.Reader/io.Writer so large uploads never have
// to fit in memory at once.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no content exists for the hash.
var ErrNotFound = errors.New("blob: content not found")

// Store is a content-addressed blob store. Put is idempotent: writing the
// same hash twice is safe because the hash fully determines the content.
type Store interface {
	// Put stores size bytes from r under contentHash.
	Put(ctx context.Context, contentHash string, r io.Reader, size int64) error

	// Get writes the content stored under contentHash to w.
	Get(ctx context.Context, contentHash string, w io.Writer) error

	// Ping verifies the backend is reachable and writable.
	Ping(ctx context.Context) error
}
