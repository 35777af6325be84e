// Package webhooks ingests signed payment gateway events.
//
// Charge events settle an order's payment flag; transfer events finalise
// payouts. Every handler looks up current state before mutating, so the
// gateway may deliver the same event any number of times.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/orders"
	"github.com/mbd888/settlement/internal/payouts"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownEvent     = errors.New("unknown webhook event")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// EventType is a gateway event kind.
type EventType string

const (
	EventChargeSuccess    EventType = "charge.success"
	EventChargeFailed     EventType = "charge.failed"
	EventTransferSuccess  EventType = "transfer.success"
	EventTransferFailed   EventType = "transfer.failed"
	EventTransferReversed EventType = "transfer.reversed"
)

// FailedPayment is a reconciliation record for a charge the engine could
// not apply.
type FailedPayment struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	OrderID   string          `json:"orderId,omitempty"`
	Event     EventType       `json:"event"`
	Reason    string          `json:"reason"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists failed payment records.
type Store interface {
	// Record ignores a record identical in reference, event and reason to
	// one already stored.
	Record(ctx context.Context, fp *FailedPayment) error
	List(ctx context.Context, limit int) ([]*FailedPayment, error)
	ListByReference(ctx context.Context, reference string) ([]*FailedPayment, error)
}

// Orders is the order settlement surface charge events drive.
type Orders interface {
	ConfirmCharge(ctx context.Context, reference string, amountMinor int64, customerCode string) (*orders.Order, orders.ChargeOutcome, error)
	FailCharge(ctx context.Context, reference, reason string) (*orders.Order, error)
}

// Payouts is the payout surface transfer events drive.
type Payouts interface {
	ApplyTransferResult(ctx context.Context, reference string, outcome payouts.TransferOutcome, transferCode, reason string) (*payouts.Payout, bool, error)
}

// VerifySignature checks header against the hex HMAC-SHA512 of body under
// secret in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" || header == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign hex-encoded, as sent in the signature header.
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(Sign(secret, body))
}
