// Package reconciliation checks that settled orders and booked payouts
// agree with the ledger.
//
// For every order whose escrow reached released or refunded, the order's
// ledger entries must sum to its total with at most one entry per kind.
// For every payout whose debit was booked, the payout's entries must sum to
// minus the amount while completed and to zero once credited back.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/orders"
	"github.com/mbd888/settlement/internal/payouts"
)

// OrderLister pages through settled orders in ID order.
type OrderLister interface {
	ListSettled(ctx context.Context, afterID string, limit int) ([]*orders.Order, error)
}

// PayoutLister pages through payouts with a booked debit in ID order.
type PayoutLister interface {
	ListDebited(ctx context.Context, afterID string, limit int) ([]*payouts.Payout, error)
}

// EntryLister reads ledger entries by owner.
type EntryLister interface {
	ListByOrder(ctx context.Context, orderID string) ([]*ledger.Entry, error)
	ListByPayout(ctx context.Context, payoutID string) ([]*ledger.Entry, error)
}

// Subject names what a mismatch is about.
type Subject string

const (
	SubjectOrder  Subject = "order"
	SubjectPayout Subject = "payout"
)

// Mismatch is one inconsistency between an entity and the ledger.
type Mismatch struct {
	Subject  Subject `json:"subject"`
	ID       string  `json:"id"`
	Expected string  `json:"expected"`
	Actual   string  `json:"actual"`
	Detail   string  `json:"detail"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	OrdersChecked  int        `json:"ordersChecked"`
	PayoutsChecked int        `json:"payoutsChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
	Healthy        bool       `json:"healthy"`
	StartedAt      time.Time  `json:"startedAt"`
	Duration       string     `json:"duration"`
}

// DefaultPageSize is how many orders or payouts one store read returns.
// A run reads pages until the store is exhausted.
const DefaultPageSize = 500

// Runner performs reconciliation runs.
type Runner struct {
	orders  OrderLister
	payouts PayoutLister
	ledger  EntryLister
	page    int
	logger  *slog.Logger

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a reconciliation runner. payouts may be nil.
func NewRunner(o OrderLister, p PayoutLister, l EntryLister, logger *slog.Logger) *Runner {
	return &Runner{orders: o, payouts: p, ledger: l, page: DefaultPageSize, logger: logger}
}

// WithPageSize overrides DefaultPageSize.
func (r *Runner) WithPageSize(n int) *Runner {
	if n > 0 {
		r.page = n
	}
	return r
}

// RunAll checks orders then payouts and publishes the mismatch count.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC(), Mismatches: []Mismatch{}}
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	if err := r.checkOrders(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("check orders: %w", err)
	}
	if err := r.checkPayouts(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("check payouts: %w", err)
	}

	report.Healthy = len(report.Mismatches) == 0
	report.Duration = time.Since(start).Round(time.Millisecond).String()
	metrics.ReconciliationMismatches.Set(float64(len(report.Mismatches)))

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if report.Healthy {
		r.logger.Info("reconciliation passed", "orders", report.OrdersChecked, "payouts", report.PayoutsChecked)
	} else {
		r.logger.Error("reconciliation found mismatches", "count", len(report.Mismatches),
			"orders", report.OrdersChecked, "payouts", report.PayoutsChecked)
	}
	return report, nil
}

// Last returns the most recent successful report, or nil before the first.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) checkOrders(ctx context.Context, report *Report) error {
	var bad int
	after := ""
	for {
		settled, err := r.orders.ListSettled(ctx, after, r.page)
		if err != nil {
			return err
		}
		for _, o := range settled {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := r.ledger.ListByOrder(ctx, o.ID)
			if err != nil {
				return fmt.Errorf("entries for %s: %w", o.ID, err)
			}
			report.OrdersChecked++
			if m, ok := CheckOrder(o, entries); !ok {
				bad++
				report.Mismatches = append(report.Mismatches, m)
			}
		}
		if len(settled) < r.page {
			break
		}
		after = settled[len(settled)-1].ID
	}
	reconcileOrderMismatches.Set(float64(bad))
	return nil
}

func (r *Runner) checkPayouts(ctx context.Context, report *Report) error {
	if r.payouts == nil {
		return nil
	}
	var bad int
	after := ""
	for {
		debited, err := r.payouts.ListDebited(ctx, after, r.page)
		if err != nil {
			return err
		}
		for _, p := range debited {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := r.ledger.ListByPayout(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("entries for %s: %w", p.ID, err)
			}
			report.PayoutsChecked++
			if m, ok := CheckPayout(p, entries); !ok {
				bad++
				report.Mismatches = append(report.Mismatches, m)
			}
		}
		if len(debited) < r.page {
			break
		}
		after = debited[len(debited)-1].ID
	}
	reconcilePayoutMismatches.Set(float64(bad))
	return nil
}

// CheckOrder verifies a settled order against its ledger entries.
func CheckOrder(o *orders.Order, entries []*ledger.Entry) (Mismatch, bool) {
	seen := make(map[ledger.Kind]int, 3)
	for _, e := range entries {
		seen[e.Kind]++
	}
	mismatch := func(detail string) (Mismatch, bool) {
		return Mismatch{
			Subject:  SubjectOrder,
			ID:       o.ID,
			Expected: money.Format(o.Total),
			Actual:   money.Format(ledger.Total(entries)),
			Detail:   detail,
		}, false
	}

	for kind, n := range seen {
		if n > 1 {
			return mismatch(fmt.Sprintf("%d %s entries", n, kind))
		}
	}
	if seen[ledger.KindPayout] > 0 {
		return mismatch("payout entry linked to order")
	}
	switch o.EscrowStatus {
	case orders.EscrowRefunded:
		if seen[ledger.KindRefund] != 1 || seen[ledger.KindSale] != 0 || seen[ledger.KindCommission] != 0 {
			return mismatch("refunded order must carry exactly one refund entry")
		}
	case orders.EscrowReleased:
		if seen[ledger.KindSale]+seen[ledger.KindRefund] == 0 {
			return mismatch("released order has no sale or refund entry")
		}
	default:
		if len(entries) > 0 {
			return mismatch(fmt.Sprintf("escrow %s with ledger entries", o.EscrowStatus))
		}
		return Mismatch{}, true
	}
	if !ledger.Total(entries).Equal(o.Total) {
		return mismatch("entries do not sum to order total")
	}
	return Mismatch{}, true
}

// CheckPayout verifies a debited payout against its ledger entries.
func CheckPayout(p *payouts.Payout, entries []*ledger.Entry) (Mismatch, bool) {
	want := p.Amount.Neg()
	if p.Status == payouts.StatusFailed || p.Status == payouts.StatusCancelled {
		want = decimal.Zero
	}
	got := ledger.Total(entries)
	if got.Equal(want) {
		return Mismatch{}, true
	}
	return Mismatch{
		Subject:  SubjectPayout,
		ID:       p.ID,
		Expected: money.Format(want),
		Actual:   money.Format(got),
		Detail:   fmt.Sprintf("%s payout entries do not match", p.Status),
	}, false
}
