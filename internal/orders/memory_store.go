package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
)

// MemoryStore keeps orders in memory and writes ledger entries to the
// given ledger store while holding its own lock, so a failed append leaves
// the order unchanged. For development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	refs   map[string]string
	ledger ledger.Store
}

// NewMemoryStore creates an in-memory order store over ledger.
func NewMemoryStore(l ledger.Store) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		refs:   make(map[string]string),
		ledger: l,
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refs[o.PaymentReference]; exists {
		return ErrDuplicateReference
	}
	if _, exists := m.orders[o.ID]; exists {
		return ErrDuplicateReference
	}
	m.orders[o.ID] = o.clone()
	m.refs[o.PaymentReference] = o.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.refs[reference]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.orders[id].clone(), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.SellerID == sellerID }), nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListAwaitingRelease(ctx context.Context, after ReleaseCursor, limit int) ([]*Order, error) {
	out := m.collect(func(o *Order) bool {
		return o.Status == StatusSent && o.EscrowStatus == EscrowHeld && after.After(o)
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.SentAt.Equal(*b.SentAt) {
			return a.SentAt.Before(*b.SentAt)
		}
		return a.ID < b.ID
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListSettled(ctx context.Context, afterID string, limit int) ([]*Order, error) {
	out := m.collect(func(o *Order) bool { return o.EscrowStatus.Terminal() && o.ID > afterID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	next := current.clone()
	entries, err := fn(next)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := m.ledger.Append(ctx, entries...); err != nil {
			return nil, err
		}
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	m.orders[id] = next
	return next.clone(), nil
}

// list returns matching orders newest first.
func (m *MemoryStore) list(limit int, match func(*Order) bool) []*Order {
	out := m.collect(match)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit)
}

func (m *MemoryStore) collect(match func(*Order) bool) []*Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, o.clone())
		}
	}
	return out
}

func truncate(out []*Order, limit int) []*Order {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
