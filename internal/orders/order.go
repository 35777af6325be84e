// Package orders is the settlement state machine for marketplace orders.
//
// Flow:
//  1. Checkout creates the order (processing, escrow none, payment pending)
//  2. The gateway confirms the charge (payment completed)
//  3. Seller marks the order sent (escrow held, auto-release clock starts)
//  4. Buyer confirms receipt, or the sweep auto-releases (escrow released, sale booked)
//  5. Either party may dispute before completion; an admin resolves it
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order transition")
	ErrUnauthorized       = fmt.Errorf("%w: actor not permitted", ErrInvalidTransition)
	ErrDisputeOpen        = errors.New("order has an open dispute")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("payment reference already used")
	ErrAmountMismatch     = errors.New("charged amount does not cover order total")
)

// Status is the order's position in the lifecycle.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
)

// EscrowStatus tracks where the order's funds are owed.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released" // seller credited
	EscrowRefunded EscrowStatus = "refunded" // customer credited
)

// Terminal reports whether no further escrow transition is possible.
func (e EscrowStatus) Terminal() bool {
	return e == EscrowReleased || e == EscrowRefunded
}

// canMoveTo enforces the one-way escrow order none < held < released|refunded.
func (e EscrowStatus) canMoveTo(next EscrowStatus) bool {
	switch e {
	case EscrowNone:
		return next == EscrowHeld || next.Terminal()
	case EscrowHeld:
		return next.Terminal()
	default:
		return false
	}
}

// PaymentStatus mirrors the gateway charge state.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Order is a marketplace order and its settlement state.
type Order struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	SellerID   string          `json:"sellerId"`
	Total      decimal.Decimal `json:"total"`

	// CommissionRate is snapshotted at creation and rewritten with the rate
	// actually applied at settlement.
	CommissionRate *decimal.Decimal `json:"commissionRate,omitempty"`
	Commission     decimal.Decimal  `json:"commission"`
	SellerEarning  decimal.Decimal  `json:"sellerEarning"`
	RefundAmount   decimal.Decimal  `json:"refundAmount"`

	Status               Status        `json:"status"`
	EscrowStatus         EscrowStatus  `json:"escrowStatus"`
	PaymentStatus        PaymentStatus `json:"paymentStatus"`
	PaymentReference     string        `json:"paymentReference"`
	PaymentFailureReason string        `json:"paymentFailureReason,omitempty"`
	CustomerCode         string        `json:"customerCode,omitempty"`

	Dispute          *Dispute `json:"dispute,omitempty"`
	SentPhotoURL     string   `json:"sentPhotoUrl,omitempty"`
	ReceivedPhotoURL string   `json:"receivedPhotoUrl,omitempty"`

	AutoReleaseAt     *time.Time `json:"autoReleaseAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	ReceivedAt        *time.Time `json:"receivedAt,omitempty"`
	DisputedAt        *time.Time `json:"disputedAt,omitempty"`
	DisputeResolvedAt *time.Time `json:"disputeResolvedAt,omitempty"`
	FundsReleasedAt   *time.Time `json:"fundsReleasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	Version           int        `json:"version"`
}

// HasOpenDispute reports whether a dispute is currently open.
func (o *Order) HasOpenDispute() bool {
	return o.Dispute != nil && o.Dispute.Status == DisputeOpen
}

// IsTerminal reports whether the order reached completed or cancelled.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled
}

func (o *Order) moveEscrow(next EscrowStatus) error {
	if !o.EscrowStatus.canMoveTo(next) {
		return fmt.Errorf("%w: escrow %s cannot become %s", ErrInvalidTransition, o.EscrowStatus, next)
	}
	o.EscrowStatus = next
	return nil
}

func (o *Order) clone() *Order {
	cp := *o
	if o.CommissionRate != nil {
		r := *o.CommissionRate
		cp.CommissionRate = &r
	}
	if o.Dispute != nil {
		d := *o.Dispute
		d.Photos = append([]string(nil), o.Dispute.Photos...)
		cp.Dispute = &d
	}
	return &cp
}

// UpdateFunc checks preconditions on o, mutates it, and returns the ledger
// entries that must be written together with the new state. Returning an
// error aborts the unit; nothing is written.
type UpdateFunc func(o *Order) ([]*ledger.Entry, error)

// ReleaseCursor is a keyset position in the awaiting-release listing. The
// zero value starts from the oldest order.
type ReleaseCursor struct {
	SentAt time.Time
	ID     string
}

// After reports whether o sorts after the cursor.
func (c ReleaseCursor) After(o *Order) bool {
	if o.SentAt == nil {
		return false
	}
	if !o.SentAt.Equal(c.SentAt) {
		return o.SentAt.After(c.SentAt)
	}
	return o.ID > c.ID
}

// Store persists orders. Update is the only mutation path after Create and
// must run load, fn, order write and ledger append as one atomic unit
// serialized per order.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByReference(ctx context.Context, reference string) (*Order, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error)
	// ListAwaitingRelease returns orders with status sent and escrow held,
	// ordered by (SentAt, ID) and strictly after the cursor.
	ListAwaitingRelease(ctx context.Context, after ReleaseCursor, limit int) ([]*Order, error)
	// ListSettled returns orders whose escrow reached released or refunded,
	// in ID order with IDs greater than afterID.
	ListSettled(ctx context.Context, afterID string, limit int) ([]*Order, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Order, error)
}

func ptr(t time.Time) *time.Time { return &t }
