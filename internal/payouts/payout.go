// Package payouts moves seller earnings out to bank accounts.
//
// A payout is requested by the seller against their available balance
// (ledger sum minus pending payouts), processed by an admin through the
// transfer provider, and finalised by the provider's transfer webhooks.
// The ledger debit is booked exactly once, when the provider accepts the
// transfer or reports success, whichever comes first.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
)

var (
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrInvalidTransition   = errors.New("invalid payout transition")
	ErrUnauthorized        = fmt.Errorf("%w: actor not permitted", ErrInvalidTransition)
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrBelowMinimum        = errors.New("amount is below the minimum payout")
	ErrPendingPayoutExists = errors.New("a payout is already pending")
	ErrNoBankAccount       = errors.New("no bank account registered")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidBankAccount  = errors.New("invalid bank account details")
)

// Status is the payout lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Payout is a withdrawal request. Bank details are snapshotted at request
// time.
type Payout struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"sellerId"`
	Amount            decimal.Decimal `json:"amount"`
	AccountName       string          `json:"accountName"`
	AccountNumber     string          `json:"accountNumber"`
	BankCode          string          `json:"bankCode"`
	RecipientCode     string          `json:"recipientCode,omitempty"`
	TransferReference string          `json:"transferReference"`
	TransferCode      string          `json:"transferCode,omitempty"`
	Status            Status          `json:"status"`
	FailureReason     string          `json:"failureReason,omitempty"`
	ProcessedBy       string          `json:"processedBy,omitempty"`

	// Debited is set once the negative ledger entry is booked.
	Debited bool `json:"debited"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether the payout left pending.
func (p *Payout) IsTerminal() bool {
	return p.Status != StatusPending
}

// MaskedAccount returns the account number with all but the last four
// digits hidden.
func (p *Payout) MaskedAccount() string {
	return mask(p.AccountNumber)
}

// BankAccount is a seller's registered payout destination.
type BankAccount struct {
	SellerID      string    `json:"sellerId"`
	AccountName   string    `json:"accountName"`
	AccountNumber string    `json:"accountNumber"`
	BankCode      string    `json:"bankCode"`
	RecipientCode string    `json:"-"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Balance is a seller's balance breakdown.
type Balance struct {
	SellerID  string          `json:"sellerId"`
	Ledger    decimal.Decimal `json:"ledgerBalance"`
	Pending   decimal.Decimal `json:"pendingPayouts"`
	Available decimal.Decimal `json:"availableBalance"`
}

// UpdateFunc checks preconditions on p, mutates it, and returns ledger
// entries to write in the same unit.
type UpdateFunc func(p *Payout) ([]*ledger.Entry, error)

// Store persists payouts and bank accounts.
type Store interface {
	// Create fails with ErrPendingPayoutExists when the seller already has
	// a pending payout.
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByReference(ctx context.Context, reference string) (*Payout, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error)
	// PendingTotal sums the seller's pending payouts, skipping excludeID.
	PendingTotal(ctx context.Context, sellerID, excludeID string) (decimal.Decimal, error)
	HasPending(ctx context.Context, sellerID string) (bool, error)
	// ListDebited returns payouts whose debit was booked, in ID order with
	// IDs greater than afterID.
	ListDebited(ctx context.Context, afterID string, limit int) ([]*Payout, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Payout, error)

	SaveBankAccount(ctx context.Context, a *BankAccount) error
	GetBankAccount(ctx context.Context, sellerID string) (*BankAccount, error)
	SetRecipientCode(ctx context.Context, sellerID, code string) error
}

func mask(s string) string {
	if len(s) <= 4 {
		return s
	}
	out := make([]byte, len(s))
	for i := range out {
		if i < len(s)-4 {
			out[i] = '*'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

func ptr(t time.Time) *time.Time { return &t }
