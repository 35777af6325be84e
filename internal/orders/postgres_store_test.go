//go:build integration

package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/testutil"
)

func newPostgresService(t *testing.T) (*Service, *PostgresStore, *ledger.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	pol := policy.NewProvider(policy.NewPostgresStore(db), policy.Policy{
		CommissionRate:  d("0.05"),
		MinimumPayout:   d("1000"),
		AutoReleaseDays: 7,
	})
	svc := NewService(store, pol, notify.NewEmitter(notify.NewPostgresStore(db), logging.Discard()), logging.Discard())
	return svc, store, ledger.NewPostgresStore(db), cleanup
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	svc, store, _, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	ref := idgen.Reference("chk")
	o, err := svc.Create(ctx, CreateRequest{CustomerID: "cus_1", SellerID: "sel_1", Total: "1500.50", PaymentReference: ref})
	require.NoError(t, err)

	got, err := store.GetByReference(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assertAmount(t, "1500.50", got.Total)
	require.NotNil(t, got.CommissionRate)
	assert.True(t, got.CommissionRate.Equal(d("0.05")))
	assert.Nil(t, got.Dispute)

	_, err = svc.Create(ctx, CreateRequest{CustomerID: "cus_1", SellerID: "sel_1", Total: "1", PaymentReference: ref})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	_, err = store.Get(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresStore_DisputeSettlement(t *testing.T) {
	svc, store, entries, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	o, err := svc.Create(ctx, CreateRequest{CustomerID: customer.ID, SellerID: seller.ID, Total: "100000", PaymentReference: idgen.Reference("chk")})
	require.NoError(t, err)
	_, _, err = svc.ConfirmCharge(ctx, o.PaymentReference, money.ToMinor(o.Total), "CUS_1")
	require.NoError(t, err)
	_, err = svc.MarkSent(ctx, o.ID, seller, "")
	require.NoError(t, err)
	_, err = svc.OpenDispute(ctx, o.ID, customer, OpenDisputeRequest{Type: DisputeDamaged, Description: "dented", Photos: []string{"https://cdn.example.com/1.jpg"}})
	require.NoError(t, err)

	stored, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Dispute)
	assert.Equal(t, []string{"https://cdn.example.com/1.jpg"}, stored.Dispute.Photos)

	_, err = svc.ResolveDispute(ctx, o.ID, admin, ResolveRequest{Resolution: PartialRefund, RefundAmount: "40000"})
	require.NoError(t, err)

	rows, err := entries.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assertAmount(t, "100000.00", ledger.Total(rows))

	sellerSum, err := entries.Sum(ctx, ledger.AccountSeller, seller.ID)
	require.NoError(t, err)
	assertAmount(t, "55000.00", sellerSum)
}

func TestPostgresStore_ConcurrentReleaseCreditsOnce(t *testing.T) {
	svc, _, entries, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	o, err := svc.Create(ctx, CreateRequest{CustomerID: customer.ID, SellerID: seller.ID, Total: "100000", PaymentReference: idgen.Reference("chk")})
	require.NoError(t, err)
	_, _, err = svc.ConfirmCharge(ctx, o.PaymentReference, money.ToMinor(o.Total), "")
	require.NoError(t, err)
	_, err = svc.MarkSent(ctx, o.ID, seller, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.MarkReceived(ctx, o.ID, customer, "")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = svc.SweepAutoRelease(ctx, time.Now().Add(30*24*time.Hour))
	}()
	wg.Wait()

	rows, err := entries.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, byKind(rows, ledger.KindSale), 1)
}
