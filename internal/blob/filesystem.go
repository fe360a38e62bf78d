package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Filesystem stores blobs under a root directory, sharded by the first two
// hash bytes so no single directory accumulates every object:
//
//	<root>/ab/cd/abcd1234...
type Filesystem struct {
	root string
}

func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem blob store requires a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(contentHash string) (string, error) {
	if len(contentHash) < 4 {
		return "", fmt.Errorf("content hash too short: %q", contentHash)
	}
	return filepath.Join(f.root, contentHash[0:2], contentHash[2:4], contentHash), nil
}

func (f *Filesystem) Put(_ context.Context, contentHash string, r io.Reader, size int64) error {
	dest, err := f.path(contentHash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		// Already stored. Drain the reader so callers see the usual
		// size check regardless of prior state.
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	return writeAtomic(dest, r, size)
}

func (f *Filesystem) Get(_ context.Context, contentHash string, w io.Writer) error {
	src, err := f.path(contentHash)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("opening blob: %w", err)
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}
	return nil
}

func (f *Filesystem) Ping(context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("blob root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob root is not a directory: %s", f.root)
	}
	return nil
}

// writeAtomic writes via a temp file in the destination directory and
// renames into place, so a crashed write never leaves a partial blob.
func writeAtomic(dest string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}

var _ Store = (*Filesystem)(nil)
