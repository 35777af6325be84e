package policy

import (
	"context"
	"sync"
)

// MemoryStore keeps the policy in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	p  *Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.p == nil {
		return nil, nil
	}
	cp := *m.p
	return &cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = &p
	return nil
}
