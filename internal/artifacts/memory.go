package artifacts

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps artifacts in memory. Used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

// PutObject stores data under path and returns a mem:// URI.
func (s *MemoryStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact data: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = data
	s.mu.Unlock()
	return "mem://" + path, nil
}

// Object returns the stored bytes for path.
func (s *MemoryStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports how many artifacts are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

var _ Store = (*MemoryStore)(nil)
