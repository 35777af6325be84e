// Package ledger is the append-only record of money movements between
// sellers, customers and the platform.
//
// Sign convention: sale and refund entries are positive credits to the
// seller or customer they name. Payout entries are negative for a completed
// withdrawal and positive for a reversal. Commission entries credit the
// platform account, never a seller, so a seller's entry sum is their balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/idgen"
)

var (
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
	ErrInvalidEntry   = errors.New("invalid ledger entry")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindSale       Kind = "sale"
	KindCommission Kind = "commission"
	KindRefund     Kind = "refund"
	KindPayout     Kind = "payout"
)

// AccountType identifies whose balance an entry affects.
type AccountType string

const (
	AccountSeller   AccountType = "seller"
	AccountCustomer AccountType = "customer"
	AccountPlatform AccountType = "platform"
)

// PlatformAccount is the single account that collects commission.
const PlatformAccount = "platform"

// Entry is one immutable ledger row.
type Entry struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"` // unique; a second entry with the same key is rejected
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	AccountType AccountType     `json:"accountType"`
	AccountID   string          `json:"accountId"`
	OrderID     string          `json:"orderId,omitempty"`
	PayoutID    string          `json:"payoutId,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists ledger entries. Implementations never update or delete.
type Store interface {
	// Append writes all entries or none. A key collision with an existing
	// entry or within the batch returns ErrDuplicateEntry.
	Append(ctx context.Context, entries ...*Entry) error
	ListByAccount(ctx context.Context, accountType AccountType, accountID string, limit int) ([]*Entry, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Entry, error)
	ListByPayout(ctx context.Context, payoutID string) ([]*Entry, error)
	Sum(ctx context.Context, accountType AccountType, accountID string) (decimal.Decimal, error)
}

// Sale credits the seller's earning for an order.
func Sale(orderID, sellerID string, amount decimal.Decimal) *Entry {
	return &Entry{
		Key:         "sale:" + orderID,
		Kind:        KindSale,
		Amount:      amount,
		AccountType: AccountSeller,
		AccountID:   sellerID,
		OrderID:     orderID,
		Description: "Sale proceeds for order " + orderID,
	}
}

// Commission credits the platform's cut of an order.
func Commission(orderID string, amount decimal.Decimal) *Entry {
	return &Entry{
		Key:         "commission:" + orderID,
		Kind:        KindCommission,
		Amount:      amount,
		AccountType: AccountPlatform,
		AccountID:   PlatformAccount,
		OrderID:     orderID,
		Description: "Commission for order " + orderID,
	}
}

// Refund credits money returned to the customer.
func Refund(orderID, customerID string, amount decimal.Decimal) *Entry {
	return &Entry{
		Key:         "refund:" + orderID,
		Kind:        KindRefund,
		Amount:      amount,
		AccountType: AccountCustomer,
		AccountID:   customerID,
		OrderID:     orderID,
		Description: "Refund for order " + orderID,
	}
}

// PayoutDebit removes a completed withdrawal from the seller's balance.
func PayoutDebit(payoutID, sellerID string, amount decimal.Decimal) *Entry {
	return &Entry{
		Key:         "payout:" + payoutID,
		Kind:        KindPayout,
		Amount:      amount.Abs().Neg(),
		AccountType: AccountSeller,
		AccountID:   sellerID,
		PayoutID:    payoutID,
		Description: "Payout " + payoutID,
	}
}

// PayoutCredit returns a reversed or failed withdrawal to the seller.
func PayoutCredit(payoutID, sellerID string, amount decimal.Decimal) *Entry {
	return &Entry{
		Key:         "payout-reversal:" + payoutID,
		Kind:        KindPayout,
		Amount:      amount.Abs(),
		AccountType: AccountSeller,
		AccountID:   sellerID,
		PayoutID:    payoutID,
		Description: "Reversal of payout " + payoutID,
	}
}

// Validate checks the structural rules every entry must satisfy.
func (e *Entry) Validate() error {
	switch {
	case e.Key == "":
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	case e.AccountID == "":
		return fmt.Errorf("%w: missing account", ErrInvalidEntry)
	case e.Amount.IsZero():
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	case !e.Amount.Equal(e.Amount.Round(2)):
		return fmt.Errorf("%w: more than two decimal places", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindSale, KindRefund, KindCommission:
		if e.Amount.IsNegative() {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidEntry, e.Kind)
		}
	case KindPayout:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	switch e.AccountType {
	case AccountSeller, AccountCustomer, AccountPlatform:
	default:
		return fmt.Errorf("%w: unknown account type %q", ErrInvalidEntry, e.AccountType)
	}
	return nil
}

// prepare validates a batch and fills server-side fields. Duplicate keys
// inside the batch are rejected.
func prepare(entries []*Entry, now time.Time) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e == nil {
			return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
		}
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := seen[e.Key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Key)
		}
		seen[e.Key] = struct{}{}
		if e.ID == "" {
			e.ID = idgen.WithPrefix("txn_")
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	return nil
}

// Total sums the amounts of entries.
func Total(entries []*Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}
