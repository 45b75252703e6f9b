package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
)

// Reader is the read side of the inventory store. Every method is safe to
// call inside or outside a transaction.
type Reader interface {
	GetEvent(ctx context.Context, eventID int64) (domain.Event, error)
	GetSeat(ctx context.Context, seatID int64) (domain.Seat, error)
	// GetSeats returns the seats that exist, in the order of seatIDs.
	// Unknown ids are skipped.
	GetSeats(ctx context.Context, seatIDs []int64) ([]domain.Seat, error)
	// SeatsByStatus lists an event's seats ordered by section, row, number.
	// An empty status lists every seat.
	SeatsByStatus(ctx context.Context, eventID int64, status domain.SeatStatus) ([]domain.Seat, error)
	CountSeats(ctx context.Context, eventID int64) (domain.EventCounts, error)

	// FindLiveReservation returns the unexpired reserved hold on a seat.
	FindLiveReservation(ctx context.Context, seatID int64, now time.Time) (domain.Reservation, error)
	// HeldReservation returns the reserved hold on a seat whether or not its
	// deadline has passed.
	HeldReservation(ctx context.Context, seatID int64) (domain.Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	ReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error)
	// LiveReservationsByHolder lists unexpired reserved holds, newest first.
	LiveReservationsByHolder(ctx context.Context, holderID int64, now time.Time) ([]domain.Reservation, error)
	// ExpiredReservations lists unlinked reserved holds whose deadline is at
	// or before now, oldest deadline first.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	OrdersByHolder(ctx context.Context, holderID int64) ([]domain.Order, error)
	// PaidOrdersWithoutTickets lists paid orders that have confirmed
	// reservations with no ticket yet, oldest payment first.
	PaidOrdersWithoutTickets(ctx context.Context, limit int) ([]uuid.UUID, error)
	// StalePendingOrders lists pending orders created before createdBefore,
	// oldest first.
	StalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)

	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	TicketByNumber(ctx context.Context, number string) (domain.Ticket, error)
	TicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	// TicketsByHolder lists a holder's tickets, newest first. An empty status
	// lists all of them.
	TicketsByHolder(ctx context.Context, holderID int64, status domain.TicketStatus) ([]domain.Ticket, error)
}

// Tx is the read-write side. All state changes are compare-and-set: they
// return ErrConflict when the row is not in the expected state and leave it
// untouched.
type Tx interface {
	Reader

	// InsertEvent creates the event together with its seat map.
	InsertEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	InsertSeats(ctx context.Context, seatMapID int64, seats []domain.Seat) ([]domain.Seat, error)

	CompareAndSetSeatStatus(ctx context.Context, seatID int64, expected, next domain.SeatStatus) error
	// CompareAndSetSeatStatuses moves every seat from expected to next, or
	// none of them. The returned ids are the seats that were missing or not
	// in the expected state.
	CompareAndSetSeatStatuses(ctx context.Context, seatIDs []int64, expected, next domain.SeatStatus) ([]int64, error)

	// InsertReservation stores a reserved hold. ErrConflict means the seat
	// already has a reserved hold, whoever owns it.
	InsertReservation(ctx context.Context, r domain.Reservation) error
	CompareAndSetReservationStatus(ctx context.Context, id uuid.UUID, expected, next domain.ReservationStatus, now time.Time) error
	// ExpireReservation moves reserved to expired only if the deadline has
	// passed and no order references the hold.
	ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) error
	// LinkReservations attaches unlinked, unexpired reserved holds to an
	// order. Either all are linked or none.
	LinkReservations(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID, now time.Time) error

	InsertOrder(ctx context.Context, o domain.Order) error
	CompareAndSetOrderStatus(ctx context.Context, id uuid.UUID, expected, next domain.OrderStatus, now time.Time) error

	// InsertTicket returns ErrTicketNumberTaken on a number collision and
	// ErrConflict when the order already has a ticket for the seat.
	InsertTicket(ctx context.Context, t domain.Ticket) error
	CompareAndSetTicketStatus(ctx context.Context, id uuid.UUID, expected, next domain.TicketStatus, now time.Time) error
}

// Store runs units of work against the inventory.
type Store interface {
	// InTx runs fn atomically. If fn returns an error nothing it did is kept.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}
