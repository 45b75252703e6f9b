package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/repository/postgres"
	"github.com/kirinyoku/tix-alloc/internal/service"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewStore(testutil.NewTestPool(t))
}

func TestStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := newStore(t)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 101, PriceCents: 50})

	svc := reservation.New(store, clock.NewManual(testutil.Epoch), nil, nil, nil, reservation.Config{})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 12 {
		wg.Add(1)
		go func(holderID int64) {
			defer wg.Done()
			if _, err := svc.Claim(context.Background(), reservation.ClaimRequest{
				HolderID: holderID,
				SeatIDs:  []int64{101},
			}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, domain.SeatReserved, testutil.SeatStatus(t, store, 101))
}

func TestStore_InsertReservationConflictKeepsTxUsable(t *testing.T) {
	store := newStore(t)
	testutil.SeedEvent(t, store, 1, testutil.Seat{ID: 101})

	now := testutil.Epoch
	hold := func(holderID int64) domain.Reservation {
		return domain.Reservation{
			ID:        uuid.New(),
			SeatID:    101,
			HolderID:  holderID,
			Status:    domain.ReservationReserved,
			ExpiresAt: now.Add(15 * time.Minute),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	first := hold(1)
	err := store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.InsertReservation(ctx, first))

		err := tx.InsertReservation(ctx, hold(2))
		require.ErrorIs(t, err, repository.ErrConflict)

		// the transaction is still alive after the conflict
		_, err = tx.HeldReservation(ctx, 101)
		return err
	})
	require.NoError(t, err)

	err = store.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		got, err := r.HeldReservation(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_PurchaseFlow(t *testing.T) {
	store := newStore(t)
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1,
		testutil.Seat{ID: 301, PriceCents: 50},
		testutil.Seat{ID: 302, PriceCents: 60},
		testutil.Seat{ID: 303, PriceCents: 70},
	)

	svcs := service.NewServices(store, clk, service.Deps{}, nil, service.Config{
		TicketSecret: []byte("ticket-secret"),
	})
	ctx := context.Background()

	held, err := svcs.Reservation.Claim(ctx, reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{301, 302}})
	require.NoError(t, err)

	_, err = svcs.Reservation.Claim(ctx, reservation.ClaimRequest{HolderID: 2, SeatIDs: []int64{302, 303}})
	var unavailable reservation.SeatUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []int64{302}, unavailable.SeatIDs)
	assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 303))

	stray, err := svcs.Reservation.Claim(ctx, reservation.ClaimRequest{HolderID: 2, SeatIDs: []int64{303}})
	require.NoError(t, err)

	created, err := svcs.Orders.CreateOrder(ctx, []uuid.UUID{held[0].ID, held[1].ID}, 1)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(110), created[0].TotalCents)

	clk.Advance(time.Minute)
	paid, err := svcs.Orders.Settle(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, paid.Status)
	assert.Equal(t, domain.SeatSold, testutil.SeatStatus(t, store, 301))

	issued, err := svcs.Tickets.ListByOrder(ctx, paid.ID, 1)
	require.NoError(t, err)
	require.Len(t, issued, 2)
	assert.Equal(t, int64(50), issued[0].Seat.PriceCents)
	assert.Equal(t, int64(60), issued[1].Seat.PriceCents)

	_, err = svcs.Tickets.Validate(ctx, issued[0].Number)
	require.NoError(t, err)
	_, err = svcs.Tickets.Validate(ctx, issued[0].Number)
	require.Error(t, err)

	clk.Advance(time.Hour)
	swept, err := svcs.Reaper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Expired)
	assert.Equal(t, domain.ReservationExpired, testutil.Reservation(t, store, stray[0].ID).Status)
	assert.Equal(t, domain.SeatAvailable, testutil.SeatStatus(t, store, 303))

	swept, err = svcs.Reaper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept.Expired)
}
