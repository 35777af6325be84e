package payouts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
)

var (
	seller   = auth.Actor{ID: "sel_1", Role: auth.RoleSeller}
	other    = auth.Actor{ID: "sel_2", Role: auth.RoleSeller}
	admin    = auth.Actor{ID: "adm_1", Role: auth.RoleAdmin}
	customer = auth.Actor{ID: "cus_1", Role: auth.RoleCustomer}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, money.Format(got), msgAndArgs...)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.MemoryStore
	provider *gateway.Fake
	notes    *notify.MemoryStore
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f.ledger = ledger.NewMemoryStore()
	f.store = NewMemoryStore(f.ledger)
	f.provider = gateway.NewFake()
	f.notes = notify.NewMemoryStore()
	pol := policy.NewProvider(policy.NewMemoryStore(), policy.Policy{
		CommissionRate:  d("0.05"),
		MinimumPayout:   d("1000"),
		AutoReleaseDays: 7,
	})
	f.svc = NewService(f.store, f.ledger, f.provider, pol, notify.NewEmitter(f.notes, logging.Discard()), logging.Discard()).
		WithClock(func() time.Time { return f.now })
	return f
}

// earn books a sale to the seller as a completed order would.
func (f *fixture) earn(t *testing.T, sellerID, amount string) {
	t.Helper()
	require.NoError(t, f.ledger.Append(context.Background(), ledger.Sale(idgen.WithPrefix("ord_"), sellerID, d(amount))))
}

func (f *fixture) bank(t *testing.T, actor auth.Actor) {
	t.Helper()
	_, err := f.svc.RegisterBankAccount(context.Background(), actor, BankAccountRequest{
		AccountName: "Ada Stores", AccountNumber: "0123456789", BankCode: "058",
	})
	require.NoError(t, err)
}

func (f *fixture) requested(t *testing.T, amount string) *Payout {
	t.Helper()
	p, err := f.svc.RequestPayout(context.Background(), seller, amount)
	require.NoError(t, err)
	return p
}

func (f *fixture) available(t *testing.T, sellerID string) Balance {
	t.Helper()
	bal, err := f.svc.AvailableBalance(context.Background(), sellerID)
	require.NoError(t, err)
	return bal
}

func (f *fixture) payoutEntries(t *testing.T, payoutID string) []*ledger.Entry {
	t.Helper()
	entries, err := f.ledger.ListByPayout(context.Background(), payoutID)
	require.NoError(t, err)
	return entries
}

func (f *fixture) countNotifications(kind notify.Kind) int {
	n := 0
	for _, item := range f.notes.Notifications() {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

func TestRegisterBankAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterBankAccount(ctx, customer, BankAccountRequest{AccountName: "x", AccountNumber: "0123456789", BankCode: "058"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.RegisterBankAccount(ctx, seller, BankAccountRequest{AccountName: "x", AccountNumber: "12345", BankCode: "058"})
	assert.ErrorIs(t, err, ErrInvalidBankAccount)

	f.bank(t, seller)
	a, err := f.svc.GetBankAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", a.AccountNumber)

	_, err = f.svc.GetBankAccount(ctx, other.ID)
	assert.ErrorIs(t, err, ErrNoBankAccount)
}

func TestRegisterBankAccount_ChangeDropsRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bank(t, seller)
	require.NoError(t, f.store.SetRecipientCode(ctx, seller.ID, "RCP_old"))

	f.bank(t, seller)
	a, err := f.store.GetBankAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "RCP_old", a.RecipientCode, "same account keeps the recipient")

	_, err = f.svc.RegisterBankAccount(ctx, seller, BankAccountRequest{AccountName: "Ada Stores", AccountNumber: "9876543210", BankCode: "058"})
	require.NoError(t, err)
	a, err = f.store.GetBankAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.Empty(t, a.RecipientCode)
}

func TestAvailableBalance_SubtractsPending(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)
	f.requested(t, "20000")

	bal := f.available(t, seller.ID)
	assertAmount(t, "50000.00", bal.Ledger)
	assertAmount(t, "20000.00", bal.Pending)
	assertAmount(t, "30000.00", bal.Available)
}

func TestRequestPayout_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	_, err := f.svc.RequestPayout(context.Background(), seller, "60000")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	items, err := f.svc.List(context.Background(), seller.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, items, "no payout record is created")
}

func TestRequestPayout_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")

	_, err := f.svc.RequestPayout(ctx, customer, "5000")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.RequestPayout(ctx, seller, "abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.RequestPayout(ctx, seller, "-5")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.RequestPayout(ctx, seller, "999.99")
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = f.svc.RequestPayout(ctx, seller, "5000")
	assert.ErrorIs(t, err, ErrNoBankAccount)

	f.bank(t, seller)
	p := f.requested(t, "1000")
	assert.Equal(t, StatusPending, p.Status)

	_, err = f.svc.RequestPayout(ctx, seller, "2000")
	assert.ErrorIs(t, err, ErrPendingPayoutExists)
}

func TestRequestPayout_SnapshotsAccount(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	p := f.requested(t, "5000")
	assert.Contains(t, p.ID, "po_")
	assert.NotEmpty(t, p.TransferReference)
	assert.Equal(t, "0123456789", p.AccountNumber)
	assert.Equal(t, "******6789", p.MaskedAccount())
}

func TestRequestPayout_ConcurrentRequestsReserveOnce(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RequestPayout(context.Background(), seller, "40000")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrPendingPayoutExists)
		}
	}
	assert.Equal(t, 1, ok)
	assertAmount(t, "10000.00", f.available(t, seller.ID).Available)
}

func TestProcessPayout_Accepted(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	p, err := f.svc.ProcessPayout(context.Background(), p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.True(t, p.Debited)
	assert.NotEmpty(t, p.TransferCode)
	assert.Equal(t, admin.ID, p.ProcessedBy)
	require.NotNil(t, p.CompletedAt)

	sent, ok := f.provider.Transfers[p.TransferReference]
	require.True(t, ok)
	assert.Equal(t, int64(2_000_000), sent.AmountMinor)
	assert.Len(t, f.provider.Recipients, 1)

	entries := f.payoutEntries(t, p.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindPayout, entries[0].Kind)
	assertAmount(t, "-20000.00", entries[0].Amount)

	bal := f.available(t, seller.ID)
	assertAmount(t, "30000.00", bal.Ledger)
	assertAmount(t, "0.00", bal.Pending)
	assertAmount(t, "30000.00", bal.Available)
	assert.Equal(t, 1, f.countNotifications(notify.KindPayoutCompleted))
}

func TestProcessPayout_ReusesRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	p := f.requested(t, "5000")
	_, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)

	p = f.requested(t, "5000")
	_, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)

	assert.Len(t, f.provider.Recipients, 1)
	assert.Equal(t, 2, f.provider.TransferCount())
}

func TestProcessPayout_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "5000")

	_, err := f.svc.ProcessPayout(ctx, p.ID, seller)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.ProcessPayout(ctx, "po_missing", admin)
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	_, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)
	_, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.provider.TransferCount())
}

func TestProcessPayout_RevalidatesBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "40000")

	// another debit landed after the request
	require.NoError(t, f.ledger.Append(ctx, ledger.PayoutDebit("po_manual", seller.ID, d("20000"))))

	_, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, f.provider.TransferCount())

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestProcessPayout_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	f.provider.TransferErr = &gateway.RejectedError{StatusCode: 400, Reason: "Your balance is not enough"}

	got, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrProviderRejected)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Your balance is not enough", got.FailureReason)
	assert.False(t, got.Debited)

	assert.Empty(t, f.payoutEntries(t, p.ID), "no ledger entry on failure")
	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)
	assert.Equal(t, 1, f.countNotifications(notify.KindPayoutFailed))

	// the seller can try again once the failed payout no longer reserves funds
	f.requested(t, "20000")
}

func TestProcessPayout_RecipientRejected(t *testing.T) {
	f := newFixture(t)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	f.provider.RecipientErr = &gateway.RejectedError{StatusCode: 422, Reason: "Account number is invalid"}

	got, err := f.svc.ProcessPayout(context.Background(), p.ID, admin)
	assert.ErrorIs(t, err, gateway.ErrProviderRejected)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, f.provider.TransferCount())
}

func TestProcessPayout_UnavailableLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	f.provider.TransferErr = gateway.ErrProviderUnavailable

	_, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	assert.ErrorIs(t, err, gateway.ErrProviderUnavailable)

	got, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, f.payoutEntries(t, p.ID))

	// retry reuses the same reference
	f.provider.TransferErr = nil
	got, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	_, ok := f.provider.Transfers[p.TransferReference]
	assert.True(t, ok)
}

func TestCancelPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	_, err := f.svc.CancelPayout(ctx, p.ID, other)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.svc.CancelPayout(ctx, p.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Empty(t, f.payoutEntries(t, p.ID))
	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)

	_, err = f.svc.CancelPayout(ctx, p.ID, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyTransferResult_SuccessOnPendingBooksDebitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	for i := 0; i < 3; i++ {
		got, applied, err := f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferSuccess, "TRF_hook", "")
		require.NoError(t, err)
		assert.Equal(t, i == 0, applied)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "TRF_hook", got.TransferCode)
	}
	require.Len(t, f.payoutEntries(t, p.ID), 1)
	assertAmount(t, "30000.00", f.available(t, seller.ID).Available)
	assert.Equal(t, 1, f.countNotifications(notify.KindPayoutCompleted))
}

func TestApplyTransferResult_SuccessAfterAcceptanceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	p, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)

	got, _, err := f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferSuccess, p.TransferCode, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, f.payoutEntries(t, p.ID), 1)
	assert.Equal(t, 1, f.countNotifications(notify.KindPayoutCompleted))
}

func TestApplyTransferResult_ReversalCreditsSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	p, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)
	assertAmount(t, "30000.00", f.available(t, seller.ID).Available)

	for i := 0; i < 2; i++ {
		got, _, err := f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferReversed, "", "Bank rejected transfer")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	}

	entries := f.payoutEntries(t, p.ID)
	require.Len(t, entries, 2)
	assertAmount(t, "0.00", ledger.Total(entries))
	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)
	assert.Equal(t, 1, f.countNotifications(notify.KindPayoutReversed))
}

func TestApplyTransferResult_FailureAfterDebitCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")
	p, err := f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)

	got, _, err := f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferFailed, "", "Account closed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Account closed", got.FailureReason)
	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)

	// terminal: a late reversal changes nothing
	got, _, err = f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferReversed, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, f.payoutEntries(t, p.ID), 2)
}

func TestApplyTransferResult_FailureOnPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	got, _, err := f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferFailed, "", "Could not resolve account")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, f.payoutEntries(t, p.ID))
	assertAmount(t, "50000.00", f.available(t, seller.ID).Available)

	// a success arriving late does not resurrect the payout
	got, _, err = f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferSuccess, "TRF_x", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, f.payoutEntries(t, p.ID))
}

func TestApplyTransferResult_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.ApplyTransferResult(context.Background(), "payout-NOPE", TransferSuccess, "", "")
	assert.True(t, errors.Is(err, ErrPayoutNotFound))
	assert.True(t, IsNotFound(err))
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "5000")

	_, err := f.svc.Get(ctx, p.ID, seller)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, p.ID, admin)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, p.ID, other)
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "123", mask("123"))
	assert.Equal(t, "1234", mask("1234"))
	assert.Equal(t, "*2345", mask("12345"))
}
