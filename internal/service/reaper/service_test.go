package reaper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/repository/memory"
	"github.com/kirinyoku/tix-alloc/internal/service/orders"
	"github.com/kirinyoku/tix-alloc/internal/service/reaper"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) EventChanged(context.Context, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

type countingBackfiller struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (b *countingBackfiller) Backfill(context.Context, int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls == 1 {
		close(b.done)
	}
	return 0, nil
}

// brokenStore fails every attempt to expire one particular hold.
type brokenStore struct {
	*memory.Store
	holdID uuid.UUID
}

func (s brokenStore) InTx(ctx context.Context, fn func(context.Context, repository.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, brokenTx{Tx: tx, holdID: s.holdID})
	})
}

type brokenTx struct {
	repository.Tx
	holdID uuid.UUID
}

var errDiskFull = errors.New("disk full")

func (tx brokenTx) ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) error {
	if id == tx.holdID {
		return errDiskFull
	}
	return tx.Tx.ExpireReservation(ctx, id, now)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 201}, testutil.Seat{ID: 202})

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	notifier := &countingNotifier{}
	svc := reaper.New(store, clk, notifier, nil, nil, nil, reaper.Config{})
	ctx := context.Background()

	held, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{201}})
	require.NoError(t, err)

	t.Run("live holds are left alone", func(t *testing.T) {
		clk.Advance(14 * time.Minute)

		got, err := svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, reaper.SweepResult{}, got)
		assert.Equal(t, domain.SeatReserved, testutil.SeatStatus(t, store, 201))
	})

	t.Run("lapsed hold is expired and its seat freed", func(t *testing.T) {
		clk.Advance(2 * time.Minute)

		got, err := svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, reaper.SweepResult{Scanned: 1, Expired: 1}, got)

		assert.Equal(t, domain.ReservationExpired, testutil.Reservation(t, store, held[0].ID).Status)
		assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 201))
		assert.Equal(t, 1, notifier.count)
	})

	t.Run("second sweep changes nothing", func(t *testing.T) {
		got, err := svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, reaper.SweepResult{}, got)
		assert.Equal(t, 1, notifier.count)
	})

	t.Run("freed seat can be claimed again", func(t *testing.T) {
		_, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: 2, SeatIDs: []int64{201}})
		require.NoError(t, err)
	})
}

func TestSweepExpired_SkipsHoldsInOrders(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 201}, testutil.Seat{ID: 202})

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	ord := orders.New(store, clk, nil, nil, nil)
	svc := reaper.New(store, clk, nil, nil, nil, nil, reaper.Config{})
	ctx := context.Background()

	held, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{201, 202}})
	require.NoError(t, err)

	_, err = ord.CreateOrder(ctx, []uuid.UUID{held[0].ID}, 1)
	require.NoError(t, err)

	clk.Advance(time.Hour)

	got, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Expired)

	assert.Equal(t, domain.ReservationReserved, testutil.Reservation(t, store, held[0].ID).Status)
	assert.Equal(t, domain.SeatReserved, testutil.SeatStatus(t, store, 201))

	assert.Equal(t, domain.ReservationExpired, testutil.Reservation(t, store, held[1].ID).Status)
	assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 202))
}

func TestSweepExpired_WorksThroughFullBatches(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)

	seats := make([]testutil.Seat, 0, 7)
	ids := make([]int64, 0, 7)
	for id := int64(1); id <= 7; id++ {
		seats = append(seats, testutil.Seat{ID: id})
		ids = append(ids, id)
	}
	testutil.SeedEvent(t, store, 1, seats...)

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	svc := reaper.New(store, clk, nil, nil, nil, nil, reaper.Config{BatchSize: 2})
	ctx := context.Background()

	for _, id := range ids {
		_, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: id, SeatIDs: []int64{id}})
		require.NoError(t, err)
	}

	clk.Advance(reservation.DefaultHoldTTL)

	got, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Expired)
	assert.Equal(t, 7, got.Scanned)

	for _, id := range ids {
		assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, id))
	}
}

func TestRun_SweepsAndBackfillsUntilCancelled(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 201})

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	_, err := res.Claim(context.Background(), reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{201}})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	backfiller := &countingBackfiller{done: make(chan struct{})}
	svc := reaper.New(store, clk, nil, backfiller, nil, nil, reaper.Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()

	select {
	case <-backfiller.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not tick")
	}

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}

	assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 201))
}

func TestSweepExpired_OneFailureDoesNotStopTheSweep(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 1}, testutil.Seat{ID: 2}, testutil.Seat{ID: 3})

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	ctx := context.Background()

	held := make([]domain.Reservation, 0, 3)
	for id := int64(1); id <= 3; id++ {
		got, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: id, SeatIDs: []int64{id}})
		require.NoError(t, err)
		held = append(held, got...)
	}

	clk.Advance(time.Hour)

	svc := reaper.New(brokenStore{Store: store, holdID: held[0].ID}, clk, nil, nil, nil, nil, reaper.Config{})

	got, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, reaper.SweepResult{Scanned: 3, Expired: 2, Failed: 1}, got)

	assert.Equal(t, domain.ReservationReserved, testutil.Reservation(t, store, held[0].ID).Status)
	assert.Equal(t, domain.SeatReserved, testutil.SeatStatus(t, store, 1))
	for _, r := range held[1:] {
		assert.Equal(t, domain.ReservationExpired, testutil.Reservation(t, store, r.ID).Status)
		assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, r.SeatID))
	}
}

func TestCancelStaleOrders(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 201})

	res := reservation.New(store, clk, nil, nil, nil, reservation.Config{})
	ord := orders.New(store, clk, nil, nil, nil)
	ctx := context.Background()

	held, err := res.Claim(ctx, reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{201}})
	require.NoError(t, err)
	_, err = ord.CreateOrder(ctx, []uuid.UUID{held[0].ID}, 1)
	require.NoError(t, err)

	t.Run("disabled without a lifetime", func(t *testing.T) {
		svc := reaper.New(store, clk, nil, nil, ord, nil, reaper.Config{})
		clk.Advance(48 * time.Hour)
		defer clk.Set(testutil.Epoch)

		n, err := svc.CancelStaleOrders(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, domain.SeatReserved, testutil.SeatStatus(t, store, 201))
	})

	svc := reaper.New(store, clk, nil, nil, ord, nil, reaper.Config{PendingOrderTTL: time.Hour})

	clk.Advance(30 * time.Minute)
	n, err := svc.CancelStaleOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "order is still within its lifetime")

	clk.Advance(time.Hour)
	n, err = svc.CancelStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.ReservationCancelled, testutil.Reservation(t, store, held[0].ID).Status)
	assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 201))

	_, err = res.Claim(ctx, reservation.ClaimRequest{HolderID: 2, SeatIDs: []int64{201}})
	require.NoError(t, err)
}
