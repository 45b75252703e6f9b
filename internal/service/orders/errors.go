package orders

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrNoReservations     = errors.New("no reservations selected")
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrOrderNotPending    = errors.New("order is not pending")
)

// InvalidReservationError lists the reservations that cannot go into an
// order: unknown, owned by someone else, expired, terminal, or already linked.
type InvalidReservationError struct {
	ReservationIDs []uuid.UUID
	Reason         string
}

func (e InvalidReservationError) Error() string {
	return fmt.Sprintf("invalid reservations (%s): %v", e.Reason, e.ReservationIDs)
}

func (e InvalidReservationError) Unwrap() error { return ErrInvalidReservation }
