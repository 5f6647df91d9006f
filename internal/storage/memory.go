package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryBridge is an in-memory Bridge for tests and dev runs.
type MemoryBridge struct {
	mu       sync.RWMutex
	elements map[string][]byte
	head     []byte
	headSeq  uint64
	hasHead  bool
}

// NewMemoryBridge returns an empty MemoryBridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{elements: make(map[string][]byte)}
}

func (b *MemoryBridge) PutVerificationElement(_ context.Context, auditID string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.elements[auditID]; ok {
		return fmt.Errorf("%w: %s", ErrElementExists, auditID)
	}
	b.elements[auditID] = bytes.Clone(content)
	return nil
}

func (b *MemoryBridge) GetVerificationElement(_ context.Context, auditID string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.elements[auditID]
	return bytes.Clone(v), ok, nil
}

func (b *MemoryBridge) GetHeadVerificationElement(_ context.Context) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasHead {
		return nil, false, nil
	}
	return bytes.Clone(b.head), true, nil
}

func (b *MemoryBridge) UpdateHeadVerificationElement(_ context.Context, seq uint64, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasHead && seq <= b.headSeq {
		return nil
	}
	b.head = bytes.Clone(content)
	b.headSeq = seq
	b.hasHead = true
	return nil
}

// Overwrite replaces a stored element regardless of the append-only rule.
// Test-only helper for simulating tampering.
func (b *MemoryBridge) Overwrite(auditID string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements[auditID] = bytes.Clone(content)
}

// Delete removes a stored element. Test-only helper for simulating loss.
func (b *MemoryBridge) Delete(auditID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.elements, auditID)
}

// Len returns the number of stored elements.
func (b *MemoryBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.elements)
}
