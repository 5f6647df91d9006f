package cell

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps cells in process memory. It is linearizable within
// one process only: use it for tests, single-node deployments and CLI runs.
type MemoryStore struct {
	mu    sync.Mutex
	cells map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cells: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, name string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cells[name]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, name string, old, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cells[name]
	if !equalValue(cur, ok, old) {
		return false, nil
	}
	s.cells[name] = bytes.Clone(next)
	return true, nil
}
