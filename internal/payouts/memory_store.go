package payouts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
)

// MemoryStore keeps payouts in memory and books ledger entries through the
// given ledger while holding its lock. For development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	payouts  map[string]*Payout
	refs     map[string]string
	accounts map[string]*BankAccount
	ledger   ledger.Store
}

// NewMemoryStore creates an in-memory payout store over l.
func NewMemoryStore(l ledger.Store) *MemoryStore {
	return &MemoryStore{
		payouts:  make(map[string]*Payout),
		refs:     make(map[string]string),
		accounts: make(map[string]*BankAccount),
		ledger:   l,
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payouts {
		if existing.SellerID == p.SellerID && existing.Status == StatusPending {
			return ErrPendingPayoutExists
		}
	}
	cp := *p
	m.payouts[p.ID] = &cp
	m.refs[p.TransferReference] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Payout, error) {
	m.mu.Lock()
	id, ok := m.refs[reference]
	m.mu.Unlock()
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	return m.list(limit, func(p *Payout) bool { return p.SellerID == sellerID }), nil
}

func (m *MemoryStore) ListDebited(ctx context.Context, afterID string, limit int) ([]*Payout, error) {
	out := m.list(0, func(p *Payout) bool { return p.Debited && p.ID > afterID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) list(limit int, match func(*Payout) bool) []*Payout {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Payout
	for _, p := range m.payouts {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) PendingTotal(ctx context.Context, sellerID, excludeID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, p := range m.payouts {
		if p.SellerID == sellerID && p.Status == StatusPending && p.ID != excludeID {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (m *MemoryStore) HasPending(ctx context.Context, sellerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payouts {
		if p.SellerID == sellerID && p.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	next := *current
	entries, err := fn(&next)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := m.ledger.Append(ctx, entries...); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = time.Now().UTC()
	m.payouts[id] = &next
	out := next
	return &out, nil
}

func (m *MemoryStore) SaveBankAccount(ctx context.Context, a *BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.SellerID] = &cp
	return nil
}

func (m *MemoryStore) GetBankAccount(ctx context.Context, sellerID string) (*BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[sellerID]
	if !ok {
		return nil, ErrNoBankAccount
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SetRecipientCode(ctx context.Context, sellerID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[sellerID]
	if !ok {
		return ErrNoBankAccount
	}
	a.RecipientCode = code
	return nil
}

var _ Store = (*MemoryStore)(nil)
