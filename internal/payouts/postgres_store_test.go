//go:build integration

package payouts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/testutil"
)

type pgFixture struct {
	svc      *Service
	store    *PostgresStore
	ledger   *ledger.PostgresStore
	provider *gateway.Fake
}

func newPostgresFixture(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	f := &pgFixture{
		store:    NewPostgresStore(db),
		ledger:   ledger.NewPostgresStore(db),
		provider: gateway.NewFake(),
	}
	pol := policy.NewProvider(policy.NewPostgresStore(db), policy.Policy{
		CommissionRate:  d("0.05"),
		MinimumPayout:   d("1000"),
		AutoReleaseDays: 7,
	})
	f.svc = NewService(f.store, f.ledger, f.provider, pol, notify.NewEmitter(notify.NewPostgresStore(db), logging.Discard()), logging.Discard())
	return f, cleanup
}

func (f *pgFixture) setup(t *testing.T, earned string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Append(ctx, ledger.Sale(idgen.WithPrefix("ord_"), seller.ID, d(earned))))
	_, err := f.svc.RegisterBankAccount(ctx, seller, BankAccountRequest{
		AccountName: "Ada Stores", AccountNumber: "0123456789", BankCode: "058",
	})
	require.NoError(t, err)
}

func TestPostgresStore_PayoutLifecycle(t *testing.T) {
	f, cleanup := newPostgresFixture(t)
	defer cleanup()
	ctx := context.Background()
	f.setup(t, "50000")

	_, err := f.svc.RequestPayout(ctx, seller, "60000")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	p, err := f.svc.RequestPayout(ctx, seller, "20000")
	require.NoError(t, err)

	got, err := f.store.GetByReference(ctx, p.TransferReference)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assertAmount(t, "20000.00", got.Amount)

	bal, err := f.svc.AvailableBalance(ctx, seller.ID)
	require.NoError(t, err)
	assertAmount(t, "30000.00", bal.Available)

	p, err = f.svc.ProcessPayout(ctx, p.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)

	a, err := f.store.GetBankAccount(ctx, seller.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, a.RecipientCode, "recipient cached on the bank account")

	p, _, err = f.svc.ApplyTransferResult(ctx, p.TransferReference, TransferReversed, "", "reversed by bank")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Status)
	require.NotNil(t, p.CancelledAt)

	entries, err := f.ledger.ListByPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bal, err = f.svc.AvailableBalance(ctx, seller.ID)
	require.NoError(t, err)
	assertAmount(t, "50000.00", bal.Available)
}

func TestPostgresStore_OnePendingPerSeller(t *testing.T) {
	f, cleanup := newPostgresFixture(t)
	defer cleanup()
	ctx := context.Background()
	f.setup(t, "50000")

	p, err := f.svc.RequestPayout(ctx, seller, "5000")
	require.NoError(t, err)

	// bypass the service to hit the partial unique index
	dup := *p
	dup.ID = idgen.WithPrefix("po_")
	dup.TransferReference = idgen.Reference("payout")
	assert.ErrorIs(t, f.store.Create(ctx, &dup), ErrPendingPayoutExists)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	f, cleanup := newPostgresFixture(t)
	defer cleanup()

	_, err := f.store.Update(context.Background(), "po_missing", func(p *Payout) ([]*ledger.Entry, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}
