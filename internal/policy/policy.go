// Package policy holds the platform's commission policy: the commission
// rate applied at settlement, the minimum payout amount, and the number of
// days after shipment before escrow auto-releases.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/money"
)

var ErrInvalidPolicy = errors.New("invalid commission policy")

// DefaultCacheTTL bounds how stale a read can be when another instance
// changed the persisted policy. Writes through this process are visible
// immediately.
const DefaultCacheTTL = 30 * time.Second

// Policy is the platform-wide settlement configuration.
type Policy struct {
	CommissionRate  decimal.Decimal `json:"commissionRate"`
	MinimumPayout   decimal.Decimal `json:"minimumPayoutAmount"`
	AutoReleaseDays int             `json:"autoReleaseDays"`
	UpdatedBy       string          `json:"updatedBy,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Validate checks the policy ranges.
func (p Policy) Validate() error {
	if !money.ValidRate(p.CommissionRate) {
		return fmt.Errorf("%w: commission rate must be between 0 and 1", ErrInvalidPolicy)
	}
	if p.MinimumPayout.IsNegative() {
		return fmt.Errorf("%w: minimum payout must not be negative", ErrInvalidPolicy)
	}
	if p.AutoReleaseDays < 1 {
		return fmt.Errorf("%w: auto-release days must be at least 1", ErrInvalidPolicy)
	}
	return nil
}

// AutoReleaseAfter is the confirmation window as a duration.
func (p Policy) AutoReleaseAfter() time.Duration {
	return time.Duration(p.AutoReleaseDays) * 24 * time.Hour
}

// Store persists the policy. Load returns nil, nil when nothing was saved.
type Store interface {
	Load(ctx context.Context) (*Policy, error)
	Save(ctx context.Context, p Policy) error
}

// Getter is what settlement code needs from the provider.
type Getter interface {
	Get(ctx context.Context) (Policy, error)
}

// Provider serves the current policy from a short-lived cache over Store,
// falling back to defaults until an admin saves one.
type Provider struct {
	store    Store
	defaults Policy
	cacheTTL time.Duration

	mu        sync.RWMutex
	cached    *Policy
	fetchedAt time.Time
	now       func() time.Time
}

// NewProvider creates a provider. defaults must be valid.
func NewProvider(store Store, defaults Policy) *Provider {
	return &Provider{
		store:    store,
		defaults: defaults,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
}

// WithCacheTTL overrides the cache TTL. Zero disables caching.
func (p *Provider) WithCacheTTL(ttl time.Duration) *Provider {
	p.cacheTTL = ttl
	return p
}

// Get returns the current policy.
func (p *Provider) Get(ctx context.Context) (Policy, error) {
	p.mu.RLock()
	if p.cached != nil && p.now().Sub(p.fetchedAt) < p.cacheTTL {
		cp := *p.cached
		p.mu.RUnlock()
		return cp, nil
	}
	p.mu.RUnlock()

	stored, err := p.store.Load(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	current := p.defaults
	if stored != nil {
		current = *stored
	}

	p.mu.Lock()
	p.cached = &current
	p.fetchedAt = p.now()
	p.mu.Unlock()
	return current, nil
}

// Update applies a partial change on top of the current policy, persists
// it, and returns the result.
func (p *Provider) Update(ctx context.Context, change Change, updatedBy string) (Policy, error) {
	current, err := p.Get(ctx)
	if err != nil {
		return Policy{}, err
	}
	next, err := change.Apply(current)
	if err != nil {
		return Policy{}, err
	}
	return p.Set(ctx, next, updatedBy)
}

// Set validates and persists a complete policy.
func (p *Provider) Set(ctx context.Context, next Policy, updatedBy string) (Policy, error) {
	if err := next.Validate(); err != nil {
		return Policy{}, err
	}
	next.UpdatedBy = updatedBy
	next.UpdatedAt = p.now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Save(ctx, next); err != nil {
		return Policy{}, fmt.Errorf("save policy: %w", err)
	}
	p.cached = &next
	p.fetchedAt = p.now()
	return next, nil
}

// Change is a partial policy update. Nil fields are left unchanged.
type Change struct {
	CommissionRate  *string `json:"commissionRate"`
	MinimumPayout   *string `json:"minimumPayoutAmount"`
	AutoReleaseDays *int    `json:"autoReleaseDays"`
}

// Apply returns p with the change applied and validated.
func (c Change) Apply(p Policy) (Policy, error) {
	if c.CommissionRate != nil {
		rate, err := decimal.NewFromString(*c.CommissionRate)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: commission rate is not a number", ErrInvalidPolicy)
		}
		p.CommissionRate = rate
	}
	if c.MinimumPayout != nil {
		minimum, err := money.Parse(*c.MinimumPayout)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: minimum payout: %v", ErrInvalidPolicy, err)
		}
		p.MinimumPayout = minimum
	}
	if c.AutoReleaseDays != nil {
		p.AutoReleaseDays = *c.AutoReleaseDays
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
