package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	keys    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]struct{})}
}

func (m *MemoryStore) Append(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := prepare(entries, time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if _, exists := m.keys[e.Key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Key)
		}
	}
	for _, e := range entries {
		cp := *e
		m.entries = append(m.entries, &cp)
		m.keys[e.Key] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountType AccountType, accountID string, limit int) ([]*Entry, error) {
	out := m.filter(func(e *Entry) bool { return e.AccountType == accountType && e.AccountID == accountID })
	// newest first, matching the postgres ordering
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	return m.filter(func(e *Entry) bool { return e.OrderID == orderID }), nil
}

func (m *MemoryStore) ListByPayout(ctx context.Context, payoutID string) ([]*Entry, error) {
	return m.filter(func(e *Entry) bool { return e.PayoutID == payoutID }), nil
}

func (m *MemoryStore) Sum(ctx context.Context, accountType AccountType, accountID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range m.entries {
		if e.AccountType == accountType && e.AccountID == accountID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// All returns a copy of every entry in append order.
func (m *MemoryStore) All() []*Entry {
	return m.filter(func(*Entry) bool { return true })
}

func (m *MemoryStore) filter(match func(*Entry) bool) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
