package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

type tx struct {
	reader
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) putSeat(seat domain.Seat) {
	t.undo = append(t.undo, restore(t.s.seats, seat.ID))
	t.s.seats[seat.ID] = seat
}

func (t *tx) putReservation(res domain.Reservation) {
	t.undo = append(t.undo,
		restore(t.s.reservations, res.ID),
		restore(t.s.liveBySeat, res.SeatID),
	)

	t.s.reservations[res.ID] = res

	if res.Status == domain.ReservationReserved {
		t.s.liveBySeat[res.SeatID] = res.ID
	} else if t.s.liveBySeat[res.SeatID] == res.ID {
		delete(t.s.liveBySeat, res.SeatID)
	}
}

func (t *tx) putOrder(o domain.Order) {
	t.undo = append(t.undo, restore(t.s.orders, o.ID))
	t.s.orders[o.ID] = o
}

func (t *tx) putTicket(tk domain.Ticket) {
	key := orderSeat{tk.OrderID, tk.SeatID}
	t.undo = append(t.undo,
		restore(t.s.tickets, tk.ID),
		restore(t.s.ticketNumbers, tk.Number),
		restore(t.s.ticketBySeat, key),
	)
	t.s.tickets[tk.ID] = tk
	t.s.ticketNumbers[tk.Number] = tk.ID
	t.s.ticketBySeat[key] = tk.ID
}

func (t *tx) InsertEvent(_ context.Context, e domain.Event) (domain.Event, error) {
	seq := t.s.seq
	t.undo = append(t.undo, func() { t.s.seq = seq })

	if e.ID == 0 {
		t.s.seq.event++
		e.ID = t.s.seq.event
	} else if _, ok := t.s.events[e.ID]; ok {
		return domain.Event{}, repository.ErrConflict
	}
	t.s.seq.event = max(t.s.seq.event, e.ID)

	t.s.seq.seatMap++
	e.SeatMapID = t.s.seq.seatMap

	t.undo = append(t.undo,
		restore(t.s.events, e.ID),
		restore(t.s.seatMaps, e.SeatMapID),
	)
	t.s.events[e.ID] = e
	t.s.seatMaps[e.SeatMapID] = e.ID

	return e, nil
}

func (t *tx) InsertSeats(
	_ context.Context,
	seatMapID int64,
	seats []domain.Seat,
) ([]domain.Seat, error) {
	eventID, ok := t.s.seatMaps[seatMapID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	type place struct {
		section, row string
		number       int
	}
	taken := make(map[place]bool)
	for _, seat := range t.s.seats {
		if seat.SeatMapID == seatMapID {
			taken[place{seat.Section, seat.Row, seat.Number}] = true
		}
	}

	seq := t.s.seq
	t.undo = append(t.undo, func() { t.s.seq = seq })

	out := make([]domain.Seat, 0, len(seats))
	for _, seat := range seats {
		p := place{seat.Section, seat.Row, seat.Number}
		if taken[p] {
			return nil, repository.ErrConflict
		}
		taken[p] = true

		if seat.ID == 0 {
			t.s.seq.seat++
			seat.ID = t.s.seq.seat
		} else if _, exists := t.s.seats[seat.ID]; exists {
			return nil, repository.ErrConflict
		}
		t.s.seq.seat = max(t.s.seq.seat, seat.ID)

		seat.SeatMapID = seatMapID
		seat.EventID = eventID
		if seat.Status == "" {
			seat.Status = domain.SeatAvailable
		}

		t.putSeat(seat)
		out = append(out, seat)
	}

	return out, nil
}

func (t *tx) CompareAndSetSeatStatus(
	_ context.Context,
	seatID int64,
	expected, next domain.SeatStatus,
) error {
	seat, ok := t.s.seats[seatID]
	if !ok {
		return repository.ErrNotFound
	}
	if seat.Status != expected {
		return repository.ErrConflict
	}

	seat.Status = next
	t.putSeat(seat)

	return nil
}

func (t *tx) CompareAndSetSeatStatuses(
	_ context.Context,
	seatIDs []int64,
	expected, next domain.SeatStatus,
) ([]int64, error) {
	var conflicts []int64
	for _, id := range seatIDs {
		seat, ok := t.s.seats[id]
		if !ok || seat.Status != expected {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}

	for _, id := range seatIDs {
		seat := t.s.seats[id]
		seat.Status = next
		t.putSeat(seat)
	}

	return nil, nil
}

func (t *tx) InsertReservation(_ context.Context, res domain.Reservation) error {
	if _, ok := t.s.seats[res.SeatID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := t.s.reservations[res.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := t.s.liveBySeat[res.SeatID]; ok && res.Status == domain.ReservationReserved {
		return repository.ErrConflict
	}

	t.putReservation(res)

	return nil
}

func (t *tx) CompareAndSetReservationStatus(
	_ context.Context,
	id uuid.UUID,
	expected, next domain.ReservationStatus,
	now time.Time,
) error {
	res, ok := t.s.reservations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if res.Status != expected {
		return repository.ErrConflict
	}

	res.Status = next
	res.UpdatedAt = now
	t.putReservation(res)

	return nil
}

func (t *tx) ExpireReservation(_ context.Context, id uuid.UUID, now time.Time) error {
	res, ok := t.s.reservations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !res.Reapable(now) {
		return repository.ErrConflict
	}

	res.Status = domain.ReservationExpired
	res.UpdatedAt = now
	t.putReservation(res)

	return nil
}

func (t *tx) LinkReservations(
	_ context.Context,
	ids []uuid.UUID,
	orderID uuid.UUID,
	now time.Time,
) error {
	for _, id := range ids {
		res, ok := t.s.reservations[id]
		if !ok || !res.Live(now) || res.OrderID != nil {
			return repository.ErrConflict
		}
	}

	for _, id := range ids {
		res := t.s.reservations[id]
		oid := orderID
		res.OrderID = &oid
		res.UpdatedAt = now
		t.putReservation(res)
	}

	return nil
}

func (t *tx) InsertOrder(_ context.Context, o domain.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := t.s.events[o.EventID]; !ok {
		return repository.ErrNotFound
	}

	t.putOrder(o)

	return nil
}

func (t *tx) CompareAndSetOrderStatus(
	_ context.Context,
	id uuid.UUID,
	expected, next domain.OrderStatus,
	now time.Time,
) error {
	o, ok := t.s.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	if o.Status != expected {
		return repository.ErrConflict
	}

	o.Status = next
	switch next {
	case domain.OrderPaid:
		o.PaidAt = &now
	case domain.OrderCancelled:
		o.CancelledAt = &now
	}
	t.putOrder(o)

	return nil
}

func (t *tx) InsertTicket(_ context.Context, tk domain.Ticket) error {
	if _, ok := t.s.ticketNumbers[tk.Number]; ok {
		return repository.ErrTicketNumberTaken
	}
	if _, ok := t.s.ticketBySeat[orderSeat{tk.OrderID, tk.SeatID}]; ok {
		return repository.ErrConflict
	}
	if _, ok := t.s.tickets[tk.ID]; ok {
		return repository.ErrConflict
	}

	t.putTicket(tk)

	return nil
}

func (t *tx) CompareAndSetTicketStatus(
	_ context.Context,
	id uuid.UUID,
	expected, next domain.TicketStatus,
	now time.Time,
) error {
	tk, ok := t.s.tickets[id]
	if !ok {
		return repository.ErrNotFound
	}
	if tk.Status != expected {
		return repository.ErrConflict
	}

	tk.Status = next
	switch next {
	case domain.TicketUsed:
		tk.UsedAt = &now
	case domain.TicketCancelled:
		tk.CancelledAt = &now
	}
	t.putTicket(tk)

	return nil
}
