package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return map[string]Store{
		"memory":     NewMemory(),
		"filesystem": fsStore,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	content := []byte("signed contract body")
	hash := "ab12cd34ef56"

	for name, st := range stores(t) {
		if err := st.Put(ctx, hash, bytes.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("%s: Put: %v", name, err)
		}
		var buf bytes.Buffer
		if err := st.Get(ctx, hash, &buf); err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if !bytes.Equal(buf.Bytes(), content) {
			t.Fatalf("%s: got %q, want %q", name, buf.Bytes(), content)
		}
	}
}

func TestGetUnknownHash(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		var buf bytes.Buffer
		if err := st.Get(ctx, "ab12unknown", &buf); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestPutSizeMismatch(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		err := st.Put(ctx, "ab12deadbeef", strings.NewReader("short"), 999)
		if err == nil {
			t.Fatalf("%s: expected size mismatch error", name)
		}
	}
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	content := []byte("same bytes twice")
	for name, st := range stores(t) {
		for i := 0; i < 2; i++ {
			if err := st.Put(ctx, "ab12feed", bytes.NewReader(content), int64(len(content))); err != nil {
				t.Fatalf("%s: Put attempt %d: %v", name, i+1, err)
			}
		}
		var buf bytes.Buffer
		if err := st.Get(ctx, "ab12feed", &buf); err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if !bytes.Equal(buf.Bytes(), content) {
			t.Fatalf("%s: content corrupted after repeat Put", name)
		}
	}
}

func TestFilesystemShardsByHashPrefix(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	hash := "ab12cd34ef56"
	if err := st.Put(ctx, hash, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ab", "12", hash)); err != nil {
		t.Fatalf("expected sharded path root/ab/12/%s: %v", hash, err)
	}
	// No stray temp files after a successful write.
	entries, err := os.ReadDir(filepath.Join(root, "ab", "12"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly the blob file, found %d entries", len(entries))
	}
}

func TestFilesystemRejectsShortHash(t *testing.T) {
	ctx := context.Background()
	st, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	if err := st.Put(ctx, "ab", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("expected error for short hash")
	}
}

func TestFactorySelectsBackend(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Backend: "memory"}); err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, err := New(ctx, Config{Backend: "filesystem", Root: t.TempDir()}); err != nil {
		t.Fatalf("filesystem backend: %v", err)
	}
	if _, err := New(ctx, Config{Backend: "filesystem"}); err == nil {
		t.Fatalf("filesystem backend without root must fail")
	}
	if _, err := New(ctx, Config{Backend: "tape"}); err == nil {
		t.Fatalf("unknown backend must fail")
	}
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		if err := st.Ping(ctx); err != nil {
			t.Fatalf("%s: Ping: %v", name, err)
		}
	}
}
