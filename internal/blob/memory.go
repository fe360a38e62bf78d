package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory keeps blobs in a map. It backs tests and local development and is
// safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	content map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{content: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, contentHash string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[contentHash] = data
	return nil
}

func (m *Memory) Get(_ context.Context, contentHash string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[contentHash]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

var _ Store = (*Memory)(nil)
