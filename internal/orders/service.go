package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/traces"
)

// Service implements order settlement.
type Service struct {
	store  Store
	policy policy.Getter
	sink   notify.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an order service.
func NewService(store Store, pol policy.Getter, sink notify.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Service{
		store:  store,
		policy: pol,
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest is what the checkout flow submits.
type CreateRequest struct {
	ID               string `json:"id"`
	CustomerID       string `json:"customerId" binding:"required"`
	SellerID         string `json:"sellerId" binding:"required"`
	Total            string `json:"total" binding:"required"`
	PaymentReference string `json:"paymentReference" binding:"required"`
}

// Create records a new order in processing with the current commission
// rate snapshotted.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	total, err := money.Parse(req.Total)
	if err != nil || !total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be a positive amount", ErrInvalidAmount)
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		return nil, fmt.Errorf("%w: payment reference required", ErrInvalidTransition)
	}
	if req.CustomerID == req.SellerID {
		return nil, fmt.Errorf("%w: customer and seller must differ", ErrInvalidTransition)
	}
	pol, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("ord_")
	}
	rate := pol.CommissionRate
	now := s.now()
	o := &Order{
		ID:               id,
		CustomerID:       req.CustomerID,
		SellerID:         req.SellerID,
		Total:            total,
		CommissionRate:   &rate,
		Status:           StatusProcessing,
		EscrowStatus:     EscrowNone,
		PaymentStatus:    PaymentPending,
		PaymentReference: req.PaymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order created", "order_id", o.ID, "seller", o.SellerID, "total", money.Format(total))
	return o, nil
}

// ChargeOutcome tells the webhook layer what ConfirmCharge did.
type ChargeOutcome string

const (
	ChargeConfirmed        ChargeOutcome = "confirmed"
	ChargeAlreadyConfirmed ChargeOutcome = "already_confirmed"
	ChargeRefundedLate     ChargeOutcome = "refunded_late" // paid after cancellation
)

// ConfirmCharge marks the order's payment completed. Redelivery of the same
// event is a no-op. A charge below the order total, in minor units, is
// rejected with ErrAmountMismatch and changes nothing.
func (s *Service) ConfirmCharge(ctx context.Context, reference string, amountMinor int64, customerCode string) (*Order, ChargeOutcome, error) {
	existing, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, "", err
	}
	if existing.PaymentStatus == PaymentCompleted {
		return existing, ChargeAlreadyConfirmed, nil
	}
	if amountMinor < money.ToMinor(existing.Total) {
		return existing, "", fmt.Errorf("%w: charged %s, order total %s", ErrAmountMismatch,
			money.Format(money.FromMinor(amountMinor)), money.Format(existing.Total))
	}

	now := s.now()
	var outcome ChargeOutcome
	o, err := s.update(ctx, existing.ID, func(o *Order) ([]*ledger.Entry, error) {
		outcome = ChargeConfirmed
		if o.PaymentStatus == PaymentCompleted {
			outcome = ChargeAlreadyConfirmed
			return nil, nil
		}
		o.PaymentStatus = PaymentCompleted
		o.PaymentFailureReason = ""
		o.PaidAt = ptr(now)
		if customerCode != "" {
			o.CustomerCode = customerCode
		}
		// Money arrived for an order the customer already cancelled: owe it back.
		if o.Status == StatusCancelled && o.EscrowStatus == EscrowNone {
			outcome = ChargeRefundedLate
			o.EscrowStatus = EscrowRefunded
			o.RefundAmount = o.Total
			o.RefundedAt = ptr(now)
			return []*ledger.Entry{ledger.Refund(o.ID, o.CustomerID, o.Total)}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, "", err
	}

	switch outcome {
	case ChargeConfirmed:
		s.sink.Notify(ctx, notify.Notification{
			RecipientID: o.SellerID,
			Kind:        notify.KindNewOrder,
			Title:       "You have a new order",
			Body:        fmt.Sprintf("Order %s for %s has been paid. Ship it to start the release clock.", o.ID, money.Format(o.Total)),
			OrderID:     o.ID,
		})
		s.sink.Notify(ctx, notify.Notification{
			RecipientID: o.CustomerID,
			Kind:        notify.KindOrderConfirmed,
			Title:       "Your order is confirmed",
			Body:        fmt.Sprintf("Payment of %s for order %s was received.", money.Format(o.Total), o.ID),
			OrderID:     o.ID,
		})
		s.logger.Info("payment confirmed", "order_id", o.ID, "reference", reference)
	case ChargeRefundedLate:
		s.logger.Warn("payment arrived for cancelled order, refund booked", "order_id", o.ID, "reference", reference)
	}
	return o, outcome, nil
}

// FailCharge records a failed charge. Completed payments are never
// downgraded.
func (s *Service) FailCharge(ctx context.Context, reference, reason string) (*Order, error) {
	existing, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing.PaymentStatus == PaymentCompleted {
		return existing, nil
	}
	return s.update(ctx, existing.ID, func(o *Order) ([]*ledger.Entry, error) {
		if o.PaymentStatus == PaymentCompleted {
			return nil, nil
		}
		o.PaymentStatus = PaymentFailed
		o.PaymentFailureReason = reason
		return nil, nil
	})
}

// MarkSent records shipment by the seller and places funds in escrow.
func (s *Service) MarkSent(ctx context.Context, orderID string, actor auth.Actor, photoURL string) (*Order, error) {
	pol, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	o, err := s.update(ctx, orderID, func(o *Order) ([]*ledger.Entry, error) {
		if !isSeller(actor, o) {
			return nil, ErrUnauthorized
		}
		if o.Status != StatusProcessing {
			return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
		}
		if o.PaymentStatus != PaymentCompleted {
			return nil, fmt.Errorf("%w: payment not completed", ErrInvalidTransition)
		}
		if err := o.moveEscrow(EscrowHeld); err != nil {
			return nil, err
		}
		o.Status = StatusSent
		o.SentAt = ptr(now)
		o.AutoReleaseAt = ptr(now.Add(pol.AutoReleaseAfter()))
		if photoURL != "" {
			o.SentPhotoURL = photoURL
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(o)
	s.sink.PostMessage(ctx, o.ID, notify.MessageShipped, fmt.Sprintf(
		"The seller has marked this order as sent. Please confirm receipt once it arrives; funds release automatically after %d days.",
		pol.AutoReleaseDays))
	s.logger.Info("order sent", "order_id", o.ID, "auto_release_at", o.AutoReleaseAt)
	return o, nil
}

// MarkReceived completes a sent order on the buyer's confirmation.
func (s *Service) MarkReceived(ctx context.Context, orderID string, actor auth.Actor, photoURL string) (*Order, error) {
	o, err := s.release(ctx, orderID, func(o *Order) error {
		if !isCustomer(actor, o) {
			return ErrUnauthorized
		}
		if photoURL != "" {
			o.ReceivedPhotoURL = photoURL
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sink.PostMessage(ctx, o.ID, notify.MessageReceived, "The customer confirmed receipt. Funds have been released to the seller.")
	return o, nil
}

// release settles a sent order in the seller's favor. check runs inside the
// update unit ahead of the dispute and status guards.
func (s *Service) release(ctx context.Context, orderID string, check func(o *Order) error) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.release", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	pol, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	o, err = s.update(ctx, orderID, func(o *Order) ([]*ledger.Entry, error) {
		if err := check(o); err != nil {
			return nil, err
		}
		if o.HasOpenDispute() {
			return nil, ErrDisputeOpen
		}
		if o.Status != StatusSent || o.EscrowStatus != EscrowHeld {
			return nil, fmt.Errorf("%w: order is %s with escrow %s", ErrInvalidTransition, o.Status, o.EscrowStatus)
		}
		rate := resolveRate(o, pol.CommissionRate)
		split, err := money.SplitRelease(o.Total, rate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		if err := o.moveEscrow(EscrowReleased); err != nil {
			return nil, err
		}
		o.Status = StatusCompleted
		o.CommissionRate = &rate
		o.Commission = split.Commission
		o.SellerEarning = split.SellerEarning
		o.ReceivedAt = ptr(now)
		o.FundsReleasedAt = ptr(now)
		return settlementEntries(o, split), nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(o)
	s.logger.Info("order completed",
		"order_id", o.ID,
		"seller", o.SellerID,
		"seller_earning", money.Format(o.SellerEarning),
		"commission", money.Format(o.Commission))
	return o, nil
}

// Cancel ends an order before shipment. A paid order's funds are refunded
// to the customer.
func (s *Service) Cancel(ctx context.Context, orderID string, actor auth.Actor, reason string) (*Order, error) {
	now := s.now()
	o, err := s.update(ctx, orderID, func(o *Order) ([]*ledger.Entry, error) {
		if !isCustomer(actor, o) && !isSeller(actor, o) {
			return nil, ErrUnauthorized
		}
		if o.Status != StatusProcessing {
			return nil, fmt.Errorf("%w: only processing orders can be cancelled, order is %s", ErrInvalidTransition, o.Status)
		}
		o.Status = StatusCancelled
		o.CancelledAt = ptr(now)
		if o.PaymentStatus != PaymentCompleted {
			return nil, nil
		}
		if err := o.moveEscrow(EscrowRefunded); err != nil {
			return nil, err
		}
		o.RefundAmount = o.Total
		o.RefundedAt = ptr(now)
		return []*ledger.Entry{ledger.Refund(o.ID, o.CustomerID, o.Total)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(o)

	body := "This order was cancelled."
	if reason != "" {
		body = "This order was cancelled: " + reason
	}
	s.sink.PostMessage(ctx, o.ID, notify.MessageCancelled, body)
	other := o.SellerID
	if actor.ID == o.SellerID {
		other = o.CustomerID
	}
	s.sink.Notify(ctx, notify.Notification{
		RecipientID: other,
		Kind:        notify.KindOrderCancelled,
		Title:       "An order was cancelled",
		Body:        body,
		OrderID:     o.ID,
	})
	return o, nil
}

// Get returns an order visible to actor.
func (s *Service) Get(ctx context.Context, orderID string, actor auth.Actor) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != o.CustomerID && actor.ID != o.SellerID {
		// hide existence from non-parties
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// List returns the actor's orders as seller or customer.
func (s *Service) List(ctx context.Context, actor auth.Actor, limit int) ([]*Order, error) {
	if actor.Role == auth.RoleSeller {
		return s.store.ListBySeller(ctx, actor.ID, limit)
	}
	return s.store.ListByCustomer(ctx, actor.ID, limit)
}

func (s *Service) transitioned(o *Order) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
}

// update runs fn through the store and counts the ledger entries it booked.
func (s *Service) update(ctx context.Context, id string, fn UpdateFunc) (*Order, error) {
	var booked []*ledger.Entry
	o, err := s.store.Update(ctx, id, func(o *Order) ([]*ledger.Entry, error) {
		entries, err := fn(o)
		booked = entries
		return entries, err
	})
	if err != nil {
		return nil, err
	}
	for _, e := range booked {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	return o, nil
}

// resolveRate prefers the order's snapshot and falls back to the live rate.
func resolveRate(o *Order, live decimal.Decimal) decimal.Decimal {
	if o.CommissionRate != nil && money.ValidRate(*o.CommissionRate) {
		return *o.CommissionRate
	}
	return live
}

// settlementEntries builds the ledger rows for a split. Zero parts are
// omitted; the ledger rejects zero-amount entries.
func settlementEntries(o *Order, split money.Split) []*ledger.Entry {
	var entries []*ledger.Entry
	if split.Refund.IsPositive() {
		entries = append(entries, ledger.Refund(o.ID, o.CustomerID, split.Refund))
	}
	if split.SellerEarning.IsPositive() {
		entries = append(entries, ledger.Sale(o.ID, o.SellerID, split.SellerEarning))
	}
	if split.Commission.IsPositive() {
		entries = append(entries, ledger.Commission(o.ID, split.Commission))
	}
	return entries
}

func isSeller(a auth.Actor, o *Order) bool {
	return a.IsAdmin() || (a.Role == auth.RoleSeller && a.ID == o.SellerID)
}

func isCustomer(a auth.Actor, o *Order) bool {
	return a.IsAdmin() || (a.Role == auth.RoleCustomer && a.ID == o.CustomerID)
}

// IsNotFound reports whether err means the order does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
