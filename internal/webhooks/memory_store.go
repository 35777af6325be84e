package webhooks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	mu      sync.RWMutex
	records []*FailedPayment
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(ctx context.Context, fp *FailedPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Reference == fp.Reference && r.Event == fp.Event && r.Reason == fp.Reason {
			return nil
		}
	}
	cp := *fp
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*FailedPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*FailedPayment, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByReference(ctx context.Context, reference string) ([]*FailedPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FailedPayment
	for _, r := range m.records {
		if r.Reference == reference {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
