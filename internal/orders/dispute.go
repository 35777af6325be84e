package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/traces"
)

// DisputeType classifies the customer's complaint.
type DisputeType string

const (
	DisputeNotReceived    DisputeType = "not_received"
	DisputeNotAsDescribed DisputeType = "not_as_described"
	DisputeDamaged        DisputeType = "damaged"
	DisputeOther          DisputeType = "other"
)

func (t DisputeType) valid() bool {
	switch t {
	case DisputeNotReceived, DisputeNotAsDescribed, DisputeDamaged, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is open until an admin resolves it.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the admin's fund-split decision.
type Resolution string

const (
	FavorCustomer Resolution = "favor_customer"
	FavorSeller   Resolution = "favor_seller"
	PartialRefund Resolution = "partial_refund"
)

// Dispute is the single dispute an order may carry.
type Dispute struct {
	ID           string          `json:"id"`
	Type         DisputeType     `json:"type"`
	Description  string          `json:"description"`
	OpenedBy     string          `json:"openedBy"`
	Photos       []string        `json:"photos,omitempty"`
	Status       DisputeStatus   `json:"status"`
	Resolution   Resolution      `json:"resolution,omitempty"`
	RefundAmount decimal.Decimal `json:"refundAmount"`
	Notes        string          `json:"notes,omitempty"`
	ResolvedBy   string          `json:"resolvedBy,omitempty"`
	OpenedAt     time.Time       `json:"openedAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// OpenDisputeRequest contains the parameters for opening a dispute.
type OpenDisputeRequest struct {
	Type        DisputeType `json:"type" binding:"required"`
	Description string      `json:"description" binding:"required"`
	Photos      []string    `json:"photos"`
}

// ResolveRequest contains the admin's resolution.
type ResolveRequest struct {
	Resolution   Resolution `json:"resolution" binding:"required"`
	RefundAmount string     `json:"refundAmount"`
	Notes        string     `json:"notes"`
}

var disputeMessages = map[DisputeType]string{
	DisputeNotReceived:    "The customer reports the order was not received. Funds stay in escrow while the dispute is reviewed.",
	DisputeNotAsDescribed: "The customer reports the item is not as described. Funds stay in escrow while the dispute is reviewed.",
	DisputeDamaged:        "The customer reports the item arrived damaged. Funds stay in escrow while the dispute is reviewed.",
	DisputeOther:          "The customer opened a dispute. Funds stay in escrow while it is reviewed.",
}

// OpenDispute moves a paid, non-terminal order into disputed. Escrow is
// left untouched.
func (s *Service) OpenDispute(ctx context.Context, orderID string, actor auth.Actor, req OpenDisputeRequest) (*Order, error) {
	if !req.Type.valid() {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ErrInvalidTransition, req.Type)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description required", ErrInvalidTransition)
	}
	now := s.now()

	o, err := s.update(ctx, orderID, func(o *Order) ([]*ledger.Entry, error) {
		if !isCustomer(actor, o) {
			return nil, ErrUnauthorized
		}
		if o.HasOpenDispute() {
			return nil, ErrDisputeOpen
		}
		if o.IsTerminal() {
			return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
		}
		if o.PaymentStatus != PaymentCompleted {
			return nil, fmt.Errorf("%w: payment not completed", ErrInvalidTransition)
		}
		o.Status = StatusDisputed
		o.DisputedAt = ptr(now)
		o.Dispute = &Dispute{
			ID:          idgen.WithPrefix("dsp_"),
			Type:        req.Type,
			Description: req.Description,
			OpenedBy:    actor.ID,
			Photos:      append([]string(nil), req.Photos...),
			Status:      DisputeOpen,
			OpenedAt:    now,
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(o)
	s.sink.PostMessage(ctx, o.ID, notify.MessageDisputeOpened, disputeMessages[req.Type])
	s.sink.Notify(ctx, notify.Notification{
		RecipientID: o.SellerID,
		Kind:        notify.KindDisputeOpened,
		Title:       "A dispute was opened on your order",
		Body:        req.Description,
		OrderID:     o.ID,
	})
	s.logger.Info("dispute opened", "order_id", o.ID, "dispute_id", o.Dispute.ID, "type", req.Type)
	return o, nil
}

// ResolveDispute applies an admin decision to an order with an open dispute.
func (s *Service) ResolveDispute(ctx context.Context, orderID string, actor auth.Actor, req ResolveRequest) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.ResolveDispute", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	var refund decimal.Decimal
	switch req.Resolution {
	case FavorCustomer, FavorSeller:
	case PartialRefund:
		refund, err = money.Parse(req.RefundAmount)
		if err != nil || !refund.IsPositive() {
			return nil, fmt.Errorf("%w: refund amount must be a positive amount", ErrInvalidAmount)
		}
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidTransition, req.Resolution)
	}

	pol, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	o, err = s.update(ctx, orderID, func(o *Order) ([]*ledger.Entry, error) {
		if !o.HasOpenDispute() {
			return nil, fmt.Errorf("%w: no open dispute", ErrInvalidTransition)
		}

		var entries []*ledger.Entry
		switch req.Resolution {
		case FavorCustomer:
			if err := o.moveEscrow(EscrowRefunded); err != nil {
				return nil, err
			}
			o.Status = StatusCancelled
			o.RefundAmount = o.Total
			o.Commission = decimal.Zero
			o.SellerEarning = decimal.Zero
			o.RefundedAt = ptr(now)
			o.CancelledAt = ptr(now)
			entries = append(entries, ledger.Refund(o.ID, o.CustomerID, o.Total))

		case FavorSeller, PartialRefund:
			if refund.GreaterThan(o.Total) {
				return nil, fmt.Errorf("%w: refund %s exceeds order total %s", ErrInvalidAmount, money.Format(refund), money.Format(o.Total))
			}
			rate := resolveRate(o, pol.CommissionRate)
			split, err := money.SplitPartial(o.Total, refund, rate)
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
			o.RefundAmount = split.Refund
			o.FundsReleasedAt = ptr(now)
			if split.Refund.IsPositive() {
				o.RefundedAt = ptr(now)
			}
			entries = settlementEntries(o, split)
		}

		o.Dispute.Status = DisputeResolved
		o.Dispute.Resolution = req.Resolution
		o.Dispute.RefundAmount = o.RefundAmount
		o.Dispute.Notes = req.Notes
		o.Dispute.ResolvedBy = actor.ID
		o.Dispute.ResolvedAt = ptr(now)
		o.DisputeResolvedAt = ptr(now)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	s.transitioned(o)
	s.sink.PostMessage(ctx, o.ID, notify.MessageDisputeResolved, resolutionMessage(o))
	for _, recipient := range []string{o.CustomerID, o.SellerID} {
		s.sink.Notify(ctx, notify.Notification{
			RecipientID: recipient,
			Kind:        notify.KindDisputeResolved,
			Title:       "Your dispute has been resolved",
			Body:        resolutionMessage(o),
			OrderID:     o.ID,
		})
	}
	s.logger.Info("dispute resolved",
		"order_id", o.ID,
		"resolution", req.Resolution,
		"refund", money.Format(o.RefundAmount),
		"seller_earning", money.Format(o.SellerEarning),
		"commission", money.Format(o.Commission))
	return o, nil
}

func resolutionMessage(o *Order) string {
	switch o.Dispute.Resolution {
	case FavorCustomer:
		return fmt.Sprintf("The dispute was resolved in the customer's favor. %s will be refunded.", money.Format(o.RefundAmount))
	case FavorSeller:
		return "The dispute was resolved in the seller's favor. Funds have been released to the seller."
	default:
		return fmt.Sprintf("The dispute was resolved with a partial refund of %s to the customer. The remainder has been released to the seller.", money.Format(o.RefundAmount))
	}
}
