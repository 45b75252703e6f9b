package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

// reader expects the caller to hold s.mu.
type reader struct {
	s *Store
}

func (r reader) GetEvent(_ context.Context, eventID int64) (domain.Event, error) {
	e, ok := r.s.events[eventID]
	if !ok {
		return domain.Event{}, repository.ErrNotFound
	}
	return e, nil
}

func (r reader) GetSeat(_ context.Context, seatID int64) (domain.Seat, error) {
	seat, ok := r.s.seats[seatID]
	if !ok {
		return domain.Seat{}, repository.ErrNotFound
	}
	return seat, nil
}

func (r reader) GetSeats(_ context.Context, seatIDs []int64) ([]domain.Seat, error) {
	out := make([]domain.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		if seat, ok := r.s.seats[id]; ok {
			out = append(out, seat)
		}
	}
	return out, nil
}

func (r reader) SeatsByStatus(
	_ context.Context,
	eventID int64,
	status domain.SeatStatus,
) ([]domain.Seat, error) {
	if _, ok := r.s.events[eventID]; !ok {
		return nil, repository.ErrNotFound
	}

	var out []domain.Seat
	for _, seat := range r.s.seats {
		if seat.EventID != eventID {
			continue
		}
		if status != "" && seat.Status != status {
			continue
		}
		out = append(out, seat)
	}

	slices.SortFunc(out, func(a, b domain.Seat) int {
		return cmp.Or(
			cmp.Compare(a.Section, b.Section),
			cmp.Compare(a.Row, b.Row),
			cmp.Compare(a.Number, b.Number),
			cmp.Compare(a.ID, b.ID),
		)
	})

	return out, nil
}

func (r reader) CountSeats(_ context.Context, eventID int64) (domain.EventCounts, error) {
	if _, ok := r.s.events[eventID]; !ok {
		return domain.EventCounts{}, repository.ErrNotFound
	}

	var c domain.EventCounts
	for _, seat := range r.s.seats {
		if seat.EventID != eventID {
			continue
		}
		c.Total++
		switch seat.Status {
		case domain.SeatAvailable:
			c.Available++
		case domain.SeatReserved:
			c.Reserved++
		case domain.SeatSold:
			c.Sold++
		}
	}

	return c, nil
}

func (r reader) FindLiveReservation(
	_ context.Context,
	seatID int64,
	now time.Time,
) (domain.Reservation, error) {
	id, ok := r.s.liveBySeat[seatID]
	if !ok {
		return domain.Reservation{}, repository.ErrNotFound
	}

	res := r.s.reservations[id]
	if !res.Live(now) {
		return domain.Reservation{}, repository.ErrNotFound
	}

	return res, nil
}

func (r reader) HeldReservation(_ context.Context, seatID int64) (domain.Reservation, error) {
	id, ok := r.s.liveBySeat[seatID]
	if !ok {
		return domain.Reservation{}, repository.ErrNotFound
	}
	return r.s.reservations[id], nil
}

func (r reader) GetReservation(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, ok := r.s.reservations[id]
	if !ok {
		return domain.Reservation{}, repository.ErrNotFound
	}
	return res, nil
}

func (r reader) ReservationsByOrder(_ context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range r.s.reservations {
		if res.OrderID != nil && *res.OrderID == orderID {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		return cmp.Compare(a.SeatID, b.SeatID)
	})
	return out, nil
}

func (r reader) LiveReservationsByHolder(
	_ context.Context,
	holderID int64,
	now time.Time,
) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, id := range r.s.liveBySeat {
		res := r.s.reservations[id]
		if res.HolderID == holderID && res.Live(now) {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		return cmp.Or(
			b.CreatedAt.Compare(a.CreatedAt),
			cmp.Compare(a.SeatID, b.SeatID),
		)
	})
	return out, nil
}

func (r reader) ExpiredReservations(
	_ context.Context,
	now time.Time,
	limit int,
) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, id := range r.s.liveBySeat {
		res := r.s.reservations[id]
		if res.Reapable(now) {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		return cmp.Or(
			a.ExpiresAt.Compare(b.ExpiresAt),
			cmp.Compare(a.SeatID, b.SeatID),
		)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r reader) GetOrder(_ context.Context, id uuid.UUID) (domain.Order, error) {
	o, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, repository.ErrNotFound
	}
	return o, nil
}

func (r reader) OrdersByHolder(_ context.Context, holderID int64) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range r.s.orders {
		if o.HolderID == holderID {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		return cmp.Or(
			b.CreatedAt.Compare(a.CreatedAt),
			cmp.Compare(a.EventID, b.EventID),
		)
	})
	return out, nil
}

func (r reader) PaidOrdersWithoutTickets(_ context.Context, limit int) ([]uuid.UUID, error) {
	pending := make(map[uuid.UUID]bool)
	for _, res := range r.s.reservations {
		if res.OrderID == nil || res.Status != domain.ReservationConfirmed {
			continue
		}
		if _, issued := r.s.ticketBySeat[orderSeat{*res.OrderID, res.SeatID}]; issued {
			continue
		}
		if o := r.s.orders[*res.OrderID]; o.Status == domain.OrderPaid {
			pending[o.ID] = true
		}
	}

	orders := make([]domain.Order, 0, len(pending))
	for id := range pending {
		orders = append(orders, r.s.orders[id])
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return cmp.Or(
			a.PaidAt.Compare(*b.PaidAt),
			cmp.Compare(a.ID.String(), b.ID.String()),
		)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}

	out := make([]uuid.UUID, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out, nil
}

func (r reader) StalePendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	var stale []domain.Order
	for _, o := range r.s.orders {
		if o.Status == domain.OrderPending && o.CreatedAt.Before(createdBefore) {
			stale = append(stale, o)
		}
	}
	slices.SortFunc(stale, func(a, b domain.Order) int {
		return cmp.Or(
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID.String(), b.ID.String()),
		)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]uuid.UUID, len(stale))
	for i, o := range stale {
		out[i] = o.ID
	}
	return out, nil
}

func (r reader) GetTicket(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	t, ok := r.s.tickets[id]
	if !ok {
		return domain.Ticket{}, repository.ErrNotFound
	}
	return t, nil
}

func (r reader) TicketByNumber(_ context.Context, number string) (domain.Ticket, error) {
	id, ok := r.s.ticketNumbers[number]
	if !ok {
		return domain.Ticket{}, repository.ErrNotFound
	}
	return r.s.tickets[id], nil
}

func (r reader) TicketsByOrder(_ context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, t := range r.s.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b domain.Ticket) int {
		return cmp.Compare(a.SeatID, b.SeatID)
	})
	return out, nil
}

func (r reader) TicketsByHolder(
	_ context.Context,
	holderID int64,
	status domain.TicketStatus,
) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, t := range r.s.tickets {
		if t.HolderID != holderID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Ticket) int {
		return cmp.Or(
			b.IssuedAt.Compare(a.IssuedAt),
			cmp.Compare(a.SeatID, b.SeatID),
		)
	})
	return out, nil
}
