// Package blob fetches source documents from object storage.
//
// Store implementations read from the local filesystem, MinIO (or any
// S3-compatible service), or memory. Chain tries several stores in order,
// so a deployment can read from MinIO and fall back to local paths.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultMaxSize is the largest object a store will fetch.
const DefaultMaxSize int64 = 100 << 20

var (
	// ErrNotFound indicates no object exists at the path.
	ErrNotFound = errors.New("blob not found")

	// ErrTooLarge indicates the object exceeds the store's size limit.
	ErrTooLarge = errors.New("blob too large")

	// ErrInvalidPath indicates an empty or malformed path.
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store reads whole objects by path.
type Store interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

func checkPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return nil
}

func checkSize(path string, size, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if size > limit {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, size, limit)
	}
	return nil
}

// Chain tries each store in order, moving on only when a store reports
// ErrNotFound.
type Chain []Store

var _ Store = Chain(nil)

// Fetch returns the object from the first store that has it.
func (c Chain) Fetch(ctx context.Context, path string) ([]byte, error) {
	for _, s := range c {
		data, err := s.Fetch(ctx, path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// MemoryStore holds objects in memory. It is intended for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data at path.
func (m *MemoryStore) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
}

// Fetch returns a copy of the object at path.
func (m *MemoryStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}
