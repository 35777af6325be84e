package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/syncutil"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/validation"
)

// Service orchestrates seller payouts.
type Service struct {
	store    Store
	ledger   ledger.Store
	provider gateway.Transfers
	policy   policy.Getter
	sink     notify.Sink
	locks    *syncutil.KeyLock
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a payout service.
func NewService(store Store, l ledger.Store, provider gateway.Transfers, pol policy.Getter, sink notify.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Service{
		store:    store,
		ledger:   l,
		provider: provider,
		policy:   pol,
		sink:     sink,
		locks:    syncutil.NewKeyLock(0),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BankAccountRequest registers or replaces a seller's bank account.
type BankAccountRequest struct {
	AccountName   string `json:"accountName" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	BankCode      string `json:"bankCode" binding:"required"`
}

// RegisterBankAccount stores the seller's payout destination. Changing the
// account drops any cached provider recipient.
func (s *Service) RegisterBankAccount(ctx context.Context, actor auth.Actor, req BankAccountRequest) (*BankAccount, error) {
	if actor.Role != auth.RoleSeller {
		return nil, ErrUnauthorized
	}
	name := validation.SanitizeString(req.AccountName, 200)
	if name == "" || !validation.IsValidAccountNumber(req.AccountNumber) || !validation.IsValidBankCode(req.BankCode) {
		return nil, ErrInvalidBankAccount
	}

	a := &BankAccount{
		SellerID:      actor.ID,
		AccountName:   name,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		UpdatedAt:     s.now(),
	}
	if prev, err := s.store.GetBankAccount(ctx, actor.ID); err == nil &&
		prev.AccountNumber == a.AccountNumber && prev.BankCode == a.BankCode {
		a.RecipientCode = prev.RecipientCode
	}
	if err := s.store.SaveBankAccount(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("bank account registered", "seller", actor.ID, "account", mask(a.AccountNumber), "bank", a.BankCode)
	return a, nil
}

// GetBankAccount returns the seller's registered account.
func (s *Service) GetBankAccount(ctx context.Context, sellerID string) (*BankAccount, error) {
	return s.store.GetBankAccount(ctx, sellerID)
}

// AvailableBalance is the seller's ledger sum minus pending payouts.
func (s *Service) AvailableBalance(ctx context.Context, sellerID string) (Balance, error) {
	return s.balance(ctx, sellerID, "")
}

func (s *Service) balance(ctx context.Context, sellerID, excludeID string) (Balance, error) {
	sum, err := s.ledger.Sum(ctx, ledger.AccountSeller, sellerID)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger sum: %w", err)
	}
	pending, err := s.store.PendingTotal(ctx, sellerID, excludeID)
	if err != nil {
		return Balance{}, fmt.Errorf("pending payouts: %w", err)
	}
	return Balance{
		SellerID:  sellerID,
		Ledger:    sum,
		Pending:   pending,
		Available: sum.Sub(pending),
	}, nil
}

// RequestPayout reserves amount from the seller's available balance.
func (s *Service) RequestPayout(ctx context.Context, actor auth.Actor, amount string) (p *Payout, err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.RequestPayout", traces.SellerID(actor.ID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	if actor.Role != auth.RoleSeller {
		return nil, ErrUnauthorized
	}
	amt, err := money.Parse(amount)
	if err != nil || !amt.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be a positive amount", ErrInvalidAmount)
	}
	pol, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	if amt.LessThan(pol.MinimumPayout) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, money.Format(pol.MinimumPayout))
	}

	unlock, err := s.locks.Lock(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	account, err := s.store.GetBankAccount(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.HasPending(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrPendingPayoutExists
	}
	bal, err := s.balance(ctx, actor.ID, "")
	if err != nil {
		return nil, err
	}
	if amt.GreaterThan(bal.Available) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, money.Format(amt), money.Format(bal.Available))
	}

	now := s.now()
	p = &Payout{
		ID:                idgen.WithPrefix("po_"),
		SellerID:          actor.ID,
		Amount:            amt,
		AccountName:       account.AccountName,
		AccountNumber:     account.AccountNumber,
		BankCode:          account.BankCode,
		RecipientCode:     account.RecipientCode,
		TransferReference: idgen.Reference("payout"),
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("payout requested", "payout_id", p.ID, "seller", p.SellerID, "amount", money.Format(amt))
	return p, nil
}

// ProcessPayout sends a pending payout to the transfer provider.
//
// A provider rejection fails the payout and returns an error matching
// gateway.ErrProviderRejected. An unavailable provider leaves the payout
// pending; processing it again reuses the transfer reference.
func (s *Service) ProcessPayout(ctx context.Context, payoutID string, actor auth.Actor) (p *Payout, err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.ProcessPayout", traces.PayoutID(payoutID))
	defer func() { traces.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	p, err = s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, p.SellerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// reload under the seller lock
	p, err = s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: payout is %s", ErrInvalidTransition, p.Status)
	}
	bal, err := s.balance(ctx, p.SellerID, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Amount.GreaterThan(bal.Available) {
		return nil, fmt.Errorf("%w: payout %s, available %s", ErrInsufficientBalance, money.Format(p.Amount), money.Format(bal.Available))
	}

	recipient, err := s.recipientFor(ctx, p)
	if err != nil {
		if errors.Is(err, gateway.ErrProviderRejected) {
			return s.reject(ctx, p.ID, actor, err)
		}
		return nil, err
	}

	transfer, err := s.provider.InitiateTransfer(ctx, gateway.TransferRequest{
		AmountMinor:   money.ToMinor(p.Amount),
		RecipientCode: recipient,
		Reference:     p.TransferReference,
		Reason:        "Payout " + p.ID,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrProviderRejected) {
			return s.reject(ctx, p.ID, actor, err)
		}
		s.logger.Warn("payout transfer deferred", "payout_id", p.ID, "error", err)
		return nil, err
	}

	now := s.now()
	var booked bool
	p, err = s.store.Update(ctx, p.ID, func(p *Payout) ([]*ledger.Entry, error) {
		p.RecipientCode = recipient
		if p.TransferCode == "" {
			p.TransferCode = transfer.TransferCode
		}
		p.ProcessedBy = actor.ID
		p.ProcessedAt = ptr(now)
		// the success webhook may have landed while the call was in flight
		if p.Status != StatusPending {
			return nil, nil
		}
		booked = true
		return complete(p, now), nil
	})
	if err != nil {
		return nil, err
	}
	if booked {
		s.completed(ctx, p)
	}
	return p, nil
}

// recipientFor returns the payout's provider recipient, creating and
// caching one when needed.
func (s *Service) recipientFor(ctx context.Context, p *Payout) (string, error) {
	if p.RecipientCode != "" {
		return p.RecipientCode, nil
	}
	if a, err := s.store.GetBankAccount(ctx, p.SellerID); err == nil && a.RecipientCode != "" &&
		a.AccountNumber == p.AccountNumber && a.BankCode == p.BankCode {
		return a.RecipientCode, nil
	}
	code, err := s.provider.CreateRecipient(ctx, gateway.RecipientRequest{
		Name:          p.AccountName,
		AccountNumber: p.AccountNumber,
		BankCode:      p.BankCode,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.SetRecipientCode(ctx, p.SellerID, code); err != nil && !errors.Is(err, ErrNoBankAccount) {
		s.logger.Warn("caching recipient code failed", "seller", p.SellerID, "error", err)
	}
	return code, nil
}

func (s *Service) reject(ctx context.Context, payoutID string, actor auth.Actor, cause error) (*Payout, error) {
	now := s.now()
	reason := gateway.Reason(cause)
	p, err := s.store.Update(ctx, payoutID, func(p *Payout) ([]*ledger.Entry, error) {
		if p.Status != StatusPending {
			return nil, fmt.Errorf("%w: payout is %s", ErrInvalidTransition, p.Status)
		}
		p.Status = StatusFailed
		p.FailureReason = reason
		p.ProcessedBy = actor.ID
		p.ProcessedAt = ptr(now)
		p.FailedAt = ptr(now)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.notify(ctx, p, notify.KindPayoutFailed, "Your payout failed",
		fmt.Sprintf("Your payout of %s could not be sent: %s", money.Format(p.Amount), reason))
	s.logger.Warn("payout rejected by provider", "payout_id", p.ID, "reason", reason)
	return p, cause
}

// CancelPayout withdraws a pending payout. No ledger entry is written.
func (s *Service) CancelPayout(ctx context.Context, payoutID string, actor auth.Actor) (*Payout, error) {
	now := s.now()
	p, err := s.store.Update(ctx, payoutID, func(p *Payout) ([]*ledger.Entry, error) {
		if !actor.IsAdmin() && !(actor.Role == auth.RoleSeller && actor.ID == p.SellerID) {
			return nil, ErrUnauthorized
		}
		if p.Status != StatusPending {
			return nil, fmt.Errorf("%w: payout is %s", ErrInvalidTransition, p.Status)
		}
		p.Status = StatusCancelled
		p.CancelledAt = ptr(now)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("payout cancelled", "payout_id", p.ID, "by", actor.ID)
	return p, nil
}

// TransferOutcome is the final state reported by a transfer webhook.
type TransferOutcome string

const (
	TransferSuccess  TransferOutcome = "success"
	TransferFailed   TransferOutcome = "failed"
	TransferReversed TransferOutcome = "reversed"
)

// ApplyTransferResult finalises the payout carrying reference.
//
//	success on pending   -> completed, debit booked
//	failed on pending    -> failed
//	reversed on pending  -> cancelled
//	failed|reversed on a debited payout -> failed|cancelled, credit booked
//
// Anything else, including redelivery, is a no-op and reports applied false.
func (s *Service) ApplyTransferResult(ctx context.Context, reference string, outcome TransferOutcome, transferCode, reason string) (p *Payout, applied bool, err error) {
	ctx, span := traces.StartSpan(ctx, "payouts.ApplyTransferResult", traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	existing, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	now := s.now()

	var changed Status
	var credited bool
	p, err = s.store.Update(ctx, existing.ID, func(p *Payout) ([]*ledger.Entry, error) {
		changed, credited = "", false
		if transferCode != "" && p.TransferCode == "" {
			p.TransferCode = transferCode
		}
		switch {
		case p.Status == StatusPending && outcome == TransferSuccess:
			changed = StatusCompleted
			return complete(p, now), nil

		case p.Status == StatusPending && outcome == TransferFailed:
			changed = StatusFailed
			p.Status = StatusFailed
			p.FailureReason = reason
			p.FailedAt = ptr(now)
			return nil, nil

		case p.Status == StatusPending && outcome == TransferReversed:
			changed = StatusCancelled
			p.Status = StatusCancelled
			p.FailureReason = reason
			p.CancelledAt = ptr(now)
			return nil, nil

		case p.Status == StatusCompleted && p.Debited && (outcome == TransferFailed || outcome == TransferReversed):
			changed, credited = StatusFailed, true
			p.Status = StatusFailed
			p.FailedAt = ptr(now)
			if outcome == TransferReversed {
				changed = StatusCancelled
				p.Status = StatusCancelled
				p.CancelledAt = ptr(now)
			}
			p.FailureReason = reason
			return []*ledger.Entry{ledger.PayoutCredit(p.ID, p.SellerID, p.Amount)}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, false, err
	}

	switch changed {
	case StatusCompleted:
		s.completed(ctx, p)
	case StatusFailed:
		metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
		s.notify(ctx, p, notify.KindPayoutFailed, "Your payout failed", failureBody(p, credited))
	case StatusCancelled:
		metrics.PayoutsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		s.notify(ctx, p, notify.KindPayoutReversed, "Your payout was reversed", failureBody(p, credited))
	default:
		s.logger.Debug("transfer event ignored", "payout_id", p.ID, "status", p.Status, "outcome", outcome)
		return p, false, nil
	}
	if credited {
		metrics.LedgerEntriesTotal.WithLabelValues(string(ledger.KindPayout)).Inc()
	}
	s.logger.Info("transfer result applied", "payout_id", p.ID, "outcome", outcome, "status", p.Status, "credited", credited)
	return p, true, nil
}

// Get returns a payout visible to actor.
func (s *Service) Get(ctx context.Context, payoutID string, actor auth.Actor) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != p.SellerID {
		return nil, ErrPayoutNotFound
	}
	return p, nil
}

// List returns the seller's payouts, newest first.
func (s *Service) List(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// complete marks p completed and returns its debit.
func complete(p *Payout, now time.Time) []*ledger.Entry {
	p.Status = StatusCompleted
	p.CompletedAt = ptr(now)
	p.FailureReason = ""
	if p.Debited {
		return nil
	}
	p.Debited = true
	return []*ledger.Entry{ledger.PayoutDebit(p.ID, p.SellerID, p.Amount)}
}

func (s *Service) completed(ctx context.Context, p *Payout) {
	metrics.PayoutsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.LedgerEntriesTotal.WithLabelValues(string(ledger.KindPayout)).Inc()
	s.notify(ctx, p, notify.KindPayoutCompleted, "Your payout is on its way",
		fmt.Sprintf("%s is being sent to your account ending %s.", money.Format(p.Amount), last4(p.AccountNumber)))
	s.logger.Info("payout completed", "payout_id", p.ID, "seller", p.SellerID, "amount", money.Format(p.Amount))
}

func (s *Service) notify(ctx context.Context, p *Payout, kind notify.Kind, title, body string) {
	s.sink.Notify(ctx, notify.Notification{
		RecipientID: p.SellerID,
		Kind:        kind,
		Title:       title,
		Body:        body,
		PayoutID:    p.ID,
	})
}

func failureBody(p *Payout, credited bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your payout of %s did not go through", money.Format(p.Amount))
	if p.FailureReason != "" {
		fmt.Fprintf(&b, ": %s", p.FailureReason)
	}
	b.WriteString(".")
	if credited {
		b.WriteString(" The amount has been returned to your balance.")
	}
	return b.String()
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// IsNotFound reports whether err means the payout does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPayoutNotFound)
}
