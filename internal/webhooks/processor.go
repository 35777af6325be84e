package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/orders"
	"github.com/mbd888/settlement/internal/payouts"
	"github.com/mbd888/settlement/internal/traces"
)

// Outcome labels what processing an event did.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnmatched      Outcome = "unmatched"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeRefundedLate   Outcome = "refunded_late"
	OutcomeRecorded       Outcome = "recorded"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeRejected       Outcome = "rejected"
	OutcomeError          Outcome = "error"
)

// Envelope is the outer gateway payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chargeData struct {
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	GatewayResponse string `json:"gateway_response"`
	Message         string `json:"message"`
	Customer        struct {
		CustomerCode string `json:"customer_code"`
	} `json:"customer"`
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

// Result reports what Process did with an event.
type Result struct {
	Event     EventType `json:"event"`
	Reference string    `json:"reference,omitempty"`
	Outcome   Outcome   `json:"outcome"`
}

// Processor verifies and applies gateway events.
type Processor struct {
	secret  string
	orders  Orders
	payouts Payouts
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewProcessor creates a processor. payouts may be nil when transfer
// events are not expected.
func NewProcessor(secret string, o Orders, p Payouts, store Store, logger *slog.Logger) *Processor {
	return &Processor{
		secret:  secret,
		orders:  o,
		payouts: p,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process verifies signature over the raw body and dispatches the event.
//
// Only ErrInvalidSignature and internal failures should be surfaced to the
// gateway as errors; ErrUnknownEvent and ErrMalformedEvent are
// acknowledged so the gateway stops redelivering.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) (res Result, err error) {
	if err := VerifySignature(p.secret, body, signature); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unverified", string(OutcomeRejected)).Inc()
		return Result{Outcome: OutcomeRejected}, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unparsed", string(OutcomeIgnored)).Inc()
		return Result{Outcome: OutcomeIgnored}, ErrMalformedEvent
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Process", traces.Event(string(env.Event)))
	defer func() { traces.End(span, err) }()

	switch env.Event {
	case EventChargeSuccess:
		res, err = p.chargeSuccess(ctx, env.Data)
	case EventChargeFailed:
		res, err = p.chargeFailed(ctx, env.Data)
	case EventTransferSuccess:
		res, err = p.transfer(ctx, env.Event, env.Data, payouts.TransferSuccess)
	case EventTransferFailed:
		res, err = p.transfer(ctx, env.Event, env.Data, payouts.TransferFailed)
	case EventTransferReversed:
		res, err = p.transfer(ctx, env.Event, env.Data, payouts.TransferReversed)
	default:
		p.logger.Info("webhook event ignored", "event", env.Event)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", string(OutcomeIgnored)).Inc()
		return Result{Event: env.Event, Outcome: OutcomeIgnored}, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
	res.Event = env.Event
	if err != nil {
		res.Outcome = OutcomeError
		if errors.Is(err, ErrMalformedEvent) {
			res.Outcome = OutcomeIgnored
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(env.Event), string(res.Outcome)).Inc()
	return res, err
}

func (p *Processor) chargeSuccess(ctx context.Context, raw json.RawMessage) (Result, error) {
	var data chargeData
	if err := json.Unmarshal(raw, &data); err != nil || data.Reference == "" {
		return Result{}, ErrMalformedEvent
	}
	res := Result{Reference: data.Reference}

	o, outcome, err := p.orders.ConfirmCharge(ctx, data.Reference, data.Amount, data.Customer.CustomerCode)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		p.logger.Warn("charge for unknown reference", "reference", data.Reference, "amount_minor", data.Amount)
		res.Outcome = OutcomeUnmatched
		return res, p.record(ctx, EventChargeSuccess, data, "", "no order for payment reference")
	case errors.Is(err, orders.ErrAmountMismatch):
		p.logger.Warn("charge below order total", "reference", data.Reference, "order_id", o.ID, "error", err)
		res.Outcome = OutcomeAmountMismatch
		return res, p.record(ctx, EventChargeSuccess, data, o.ID, err.Error())
	case err != nil:
		return res, err
	}

	switch outcome {
	case orders.ChargeAlreadyConfirmed:
		res.Outcome = OutcomeDuplicate
	case orders.ChargeRefundedLate:
		res.Outcome = OutcomeRefundedLate
	default:
		res.Outcome = OutcomeApplied
	}
	return res, nil
}

func (p *Processor) chargeFailed(ctx context.Context, raw json.RawMessage) (Result, error) {
	var data chargeData
	if err := json.Unmarshal(raw, &data); err != nil || data.Reference == "" {
		return Result{}, ErrMalformedEvent
	}
	res := Result{Reference: data.Reference, Outcome: OutcomeRecorded}
	reason := data.GatewayResponse
	if reason == "" {
		reason = data.Message
	}
	if reason == "" {
		reason = "charge failed"
	}

	var orderID string
	o, err := p.orders.FailCharge(ctx, data.Reference, reason)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		p.logger.Info("failed charge for unknown reference", "reference", data.Reference)
		res.Outcome = OutcomeUnmatched
	case err != nil:
		return res, err
	default:
		orderID = o.ID
	}
	return res, p.record(ctx, EventChargeFailed, data, orderID, reason)
}

func (p *Processor) transfer(ctx context.Context, event EventType, raw json.RawMessage, outcome payouts.TransferOutcome) (Result, error) {
	var data transferData
	if err := json.Unmarshal(raw, &data); err != nil || data.Reference == "" {
		return Result{}, ErrMalformedEvent
	}
	res := Result{Reference: data.Reference}
	if p.payouts == nil {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	reason := data.Reason
	if reason == "" && outcome != payouts.TransferSuccess {
		reason = data.Status
	}
	_, applied, err := p.payouts.ApplyTransferResult(ctx, data.Reference, outcome, data.TransferCode, reason)
	switch {
	case errors.Is(err, payouts.ErrPayoutNotFound):
		p.logger.Warn("transfer event for unknown reference", "event", event, "reference", data.Reference)
		res.Outcome = OutcomeUnmatched
		return res, nil
	case err != nil:
		return res, err
	}

	res.Outcome = OutcomeDuplicate
	if applied {
		res.Outcome = OutcomeApplied
	}
	return res, nil
}

func (p *Processor) record(ctx context.Context, event EventType, data chargeData, orderID, reason string) error {
	if p.store == nil {
		return nil
	}
	fp := &FailedPayment{
		ID:        idgen.WithPrefix("fp_"),
		Reference: data.Reference,
		OrderID:   orderID,
		Event:     event,
		Reason:    reason,
		Amount:    money.FromMinor(data.Amount),
		CreatedAt: p.now(),
	}
	if err := p.store.Record(ctx, fp); err != nil {
		return fmt.Errorf("record failed payment: %w", err)
	}
	return nil
}
