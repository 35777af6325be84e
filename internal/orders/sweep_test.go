package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/notify"
)

func TestSweepAutoRelease_ReleasesDueOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sent(t, "100000")

	f.now = f.now.Add(7*24*time.Hour + time.Minute)
	res, err := f.svc.SweepAutoRelease(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Released)
	assert.Zero(t, res.Failed)

	got, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowStatus)
	assertAmount(t, "95000.00", got.SellerEarning)

	var kinds []notify.MessageKind
	for _, m := range f.notes.Messages() {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, notify.MessageAutoReleased)
}

func TestSweepAutoRelease_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sent(t, "100000")
	f.now = f.now.Add(8 * 24 * time.Hour)

	for i := 0; i < 3; i++ {
		_, err := f.svc.SweepAutoRelease(ctx, f.now)
		require.NoError(t, err)
	}
	assert.Len(t, byKind(f.entries(t, o.ID), ledger.KindSale), 1)
	assert.Len(t, byKind(f.entries(t, o.ID), ledger.KindCommission), 1)
}

func TestSweepAutoRelease_SkipsNotDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sent(t, "100")

	res, err := f.svc.SweepAutoRelease(ctx, f.now.Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Released)

	got, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, got.EscrowStatus)
}

func TestSweepAutoRelease_WalksPastOneBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now

	overdue := make([]*Order, 0, sweepBatch+1)
	for i := 0; i < sweepBatch+1; i++ {
		overdue = append(overdue, f.sent(t, "100"))
	}
	// newer orders that are not yet due
	f.now = start.Add(6 * 24 * time.Hour)
	var recent []*Order
	for i := 0; i < 5; i++ {
		recent = append(recent, f.sent(t, "100"))
	}

	f.now = start.Add(8 * 24 * time.Hour)
	res, err := f.svc.SweepAutoRelease(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, sweepBatch+1, res.Released)
	assert.Equal(t, sweepBatch+2, res.Scanned)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)

	for _, o := range []*Order{overdue[0], overdue[len(overdue)-1]} {
		got, err := f.store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, EscrowReleased, got.EscrowStatus)
	}
	for _, o := range recent {
		got, err := f.store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, EscrowHeld, got.EscrowStatus)
	}
}

func TestMemoryStore_ListAwaitingReleaseOldestSentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now

	old := f.sent(t, "100")
	f.now = start.Add(time.Hour)
	mid := f.sent(t, "100")
	f.now = start.Add(2 * time.Hour)
	newest := f.sent(t, "100")

	page, err := f.store.ListAwaitingRelease(ctx, ReleaseCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, old.ID, page[0].ID)
	assert.Equal(t, mid.ID, page[1].ID)

	page, err = f.store.ListAwaitingRelease(ctx, ReleaseCursor{SentAt: *page[1].SentAt, ID: page[1].ID}, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, newest.ID, page[0].ID)
}

func TestSweepAutoRelease_NeverReleasesDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.disputed(t, "100")

	res, err := f.svc.SweepAutoRelease(ctx, f.now.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Released)

	got, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, EscrowHeld, got.EscrowStatus)
	assert.Empty(t, f.entries(t, o.ID))
}

func TestSweepAutoRelease_DisputeRaceIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sent(t, "100")

	// a dispute flag lands between listing and locking
	_, err := f.store.Update(ctx, o.ID, func(o *Order) ([]*ledger.Entry, error) {
		o.Dispute = &Dispute{ID: "dsp_race", Status: DisputeOpen, Type: DisputeOther}
		return nil, nil
	})
	require.NoError(t, err)

	res, err := f.svc.SweepAutoRelease(ctx, f.now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Released)
	assert.Empty(t, f.entries(t, o.ID))
}

func TestSweepAutoRelease_HonorsPolicyWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sent(t, "100")

	current, err := f.policy.Get(ctx)
	require.NoError(t, err)
	current.AutoReleaseDays = 3
	_, err = f.policy.Set(ctx, current, admin.ID)
	require.NoError(t, err)

	res, err := f.svc.SweepAutoRelease(ctx, f.now.Add(3*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, 10*time.Millisecond, logging.Discard())
	assert.False(t, timer.Running())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
