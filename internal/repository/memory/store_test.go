package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, seatIDs ...int64) domain.Event {
	t.Helper()

	var event domain.Event
	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		event, err = tx.InsertEvent(ctx, domain.Event{ID: 1, Title: "Show", StartsAt: now.Add(24 * time.Hour)})
		if err != nil {
			return err
		}

		seats := make([]domain.Seat, 0, len(seatIDs))
		for i, id := range seatIDs {
			seats = append(seats, domain.Seat{ID: id, Section: "A", Row: "1", Number: i + 1, PriceCents: 100})
		}
		_, err = tx.InsertSeats(ctx, event.SeatMapID, seats)
		return err
	})
	require.NoError(t, err)

	return event
}

func hold(seatID, holderID int64) domain.Reservation {
	return domain.Reservation{
		ID:        uuid.New(),
		SeatID:    seatID,
		HolderID:  holderID,
		Status:    domain.ReservationReserved,
		ExpiresAt: now.Add(15 * time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_InTxRollsBack(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1, 2)

	boom := errors.New("boom")
	res := hold(1, 7)

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		conflicts, err := tx.CompareAndSetSeatStatuses(ctx, []int64{1, 2}, domain.SeatAvailable, domain.SeatReserved)
		require.NoError(t, err)
		require.Empty(t, conflicts)
		require.NoError(t, tx.InsertReservation(ctx, res))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		seats, err := r.GetSeats(ctx, []int64{1, 2})
		require.NoError(t, err)
		for _, seat := range seats {
			assert.Equal(t, domain.SeatAvailable, seat.Status)
		}

		_, err = r.GetReservation(ctx, res.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = r.HeldReservation(ctx, 1)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_OneReservedHoldPerSeat(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1)

	first := hold(1, 7)
	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertReservation(ctx, first)
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertReservation(ctx, hold(1, 8))
	})
	require.ErrorIs(t, err, repository.ErrConflict)

	// once the first hold is terminal the seat can be held again
	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.CompareAndSetReservationStatus(ctx, first.ID, domain.ReservationReserved, domain.ReservationCancelled, now); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, hold(1, 8))
	})
	require.NoError(t, err)
}

func TestStore_CompareAndSetSeatStatuses(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1, 2, 3)

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.CompareAndSetSeatStatus(ctx, 2, domain.SeatAvailable, domain.SeatSold)
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		conflicts, err := tx.CompareAndSetSeatStatuses(ctx, []int64{1, 2, 99}, domain.SeatAvailable, domain.SeatReserved)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 99}, conflicts)
		return nil
	})
	require.NoError(t, err)

	// nothing moved
	err = s.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		seat, err := r.GetSeat(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.SeatAvailable, seat.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ExpireReservation(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1, 2)

	loose := hold(1, 7)
	linked := hold(2, 7)
	orderID := uuid.New()

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.InsertReservation(ctx, loose))
		require.NoError(t, tx.InsertReservation(ctx, linked))
		require.NoError(t, tx.InsertOrder(ctx, domain.Order{ID: orderID, HolderID: 7, EventID: 1, Status: domain.OrderPending}))
		return tx.LinkReservations(ctx, []uuid.UUID{linked.ID}, orderID, now)
	})
	require.NoError(t, err)

	t.Run("not before the deadline", func(t *testing.T) {
		err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.ExpireReservation(ctx, loose.ID, now.Add(time.Minute))
		})
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	later := now.Add(16 * time.Minute)

	t.Run("listed once lapsed", func(t *testing.T) {
		err := s.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
			expired, err := r.ExpiredReservations(ctx, later, 10)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, loose.ID, expired[0].ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("linked holds are kept", func(t *testing.T) {
		err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.ExpireReservation(ctx, linked.ID, later)
		})
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	t.Run("unlinked hold expires once", func(t *testing.T) {
		err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.ExpireReservation(ctx, loose.ID, later)
		})
		require.NoError(t, err)

		err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			return tx.ExpireReservation(ctx, loose.ID, later)
		})
		assert.ErrorIs(t, err, repository.ErrConflict)
	})
}

func TestStore_LinkReservationsAllOrNothing(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1, 2)

	a, b := hold(1, 7), hold(2, 7)
	first, second := uuid.New(), uuid.New()

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.InsertReservation(ctx, a))
		require.NoError(t, tx.InsertReservation(ctx, b))
		require.NoError(t, tx.InsertOrder(ctx, domain.Order{ID: first, HolderID: 7, EventID: 1, Status: domain.OrderPending}))
		require.NoError(t, tx.InsertOrder(ctx, domain.Order{ID: second, HolderID: 7, EventID: 1, Status: domain.OrderPending}))
		return tx.LinkReservations(ctx, []uuid.UUID{b.ID}, first, now)
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.LinkReservations(ctx, []uuid.UUID{a.ID, b.ID}, second, now)
	})
	require.ErrorIs(t, err, repository.ErrConflict)

	err = s.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		got, err := r.GetReservation(ctx, a.ID)
		require.NoError(t, err)
		assert.Nil(t, got.OrderID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_InsertTicket(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, 1, 2)

	orderID := uuid.New()
	ticket := func(seatID int64, number string) domain.Ticket {
		return domain.Ticket{
			ID:       uuid.New(),
			Number:   number,
			OrderID:  orderID,
			SeatID:   seatID,
			EventID:  1,
			HolderID: 7,
			Status:   domain.TicketActive,
			IssuedAt: now,
		}
	}

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertTicket(ctx, ticket(1, "N-1"))
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertTicket(ctx, ticket(2, "N-1"))
	})
	assert.ErrorIs(t, err, repository.ErrTicketNumberTaken)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertTicket(ctx, ticket(1, "N-2"))
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestStore_CancelledContext(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.InTx(ctx, func(context.Context, repository.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
