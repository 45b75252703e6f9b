package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/service/catalog"
	"github.com/stretchr/testify/require"
)

// Epoch is the instant service tests start their manual clocks at.
var Epoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

// Seat describes one seat of a fixture event.
type Seat struct {
	ID         int64
	PriceCents int64
}

// SeedEvent stores an event starting a week after Epoch with the given
// seats, all available, in section A row 1.
func SeedEvent(t *testing.T, store repository.Store, eventID int64, seats ...Seat) (domain.Event, []domain.Seat) {
	t.Helper()

	spec := catalog.EventSpec{
		ID:       eventID,
		Title:    "Fixture event",
		Venue:    "Main hall",
		StartsAt: Epoch.Add(7 * 24 * time.Hour),
	}
	for i, s := range seats {
		spec.Seats = append(spec.Seats, catalog.SeatSpec{
			ID:         s.ID,
			Section:    "A",
			Row:        "1",
			Number:     i + 1,
			PriceCents: s.PriceCents,
		})
	}

	event, created, err := catalog.New(store, nil).CreateEvent(context.Background(), spec)
	require.NoError(t, err)

	return event, created
}

// SeatStatus reads one seat's status outside any transaction.
func SeatStatus(t *testing.T, store repository.Store, seatID int64) domain.SeatStatus {
	t.Helper()

	var status domain.SeatStatus
	err := store.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		seat, err := r.GetSeat(ctx, seatID)
		status = seat.Status
		return err
	})
	require.NoError(t, err)

	return status
}

// Reservation reads one reservation outside any transaction.
func Reservation(t *testing.T, store repository.Store, id uuid.UUID) domain.Reservation {
	t.Helper()

	var out domain.Reservation
	err := store.View(context.Background(), func(ctx context.Context, r repository.Reader) error {
		var err error
		out, err = r.GetReservation(ctx, id)
		return err
	})
	require.NoError(t, err)

	return out
}
