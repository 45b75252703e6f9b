package orders

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/uow"
)

type Notifier interface {
	EventChanged(ctx context.Context, eventID int64)
}

// IssuanceRequester asks for tickets to be minted for a paid order. It may
// run the issuance itself or hand it to a queue.
type IssuanceRequester interface {
	RequestIssuance(ctx context.Context, orderID uuid.UUID) error
}

type Service struct {
	uow      *uow.UoW
	clock    clock.Clock
	notifier Notifier
	issuer   IssuanceRequester
	logger   *slog.Logger
}

// New builds the order assembler. notifier and issuer may be nil.
func New(
	store repository.Store,
	clk clock.Clock,
	notifier Notifier,
	issuer IssuanceRequester,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		uow:      uow.New(store),
		clock:    clk,
		notifier: notifier,
		issuer:   issuer,
		logger:   logger.With("service", "orders"),
	}
}

// SetIssuer swaps the issuance requester. It must be called before the
// service handles requests.
func (s *Service) SetIssuer(issuer IssuanceRequester) {
	s.issuer = issuer
}

// CreateOrder turns live holds into pending orders, one per event.
//
// Parameters:
//   - ctx: request-scoped context.
//   - reservationIDs: the holder's reserved, unlinked, unexpired holds.
//   - holderID: the caller.
//
// Returns:
//   - []domain.Order: the new orders sorted by event id.
//   - error: ErrNoReservations for an empty request.
//   - error: InvalidReservationError listing every hold that does not
//     qualify. Nothing is created in that case.
func (s *Service) CreateOrder(
	ctx context.Context,
	reservationIDs []uuid.UUID,
	holderID int64,
) ([]domain.Order, error) {
	const op = "service.orders.CreateOrder"

	if len(reservationIDs) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoReservations)
	}

	if dups := duplicates(reservationIDs); len(dups) > 0 {
		return nil, fmt.Errorf("%s: %w", op, InvalidReservationError{
			ReservationIDs: dups,
			Reason:         "duplicate",
		})
	}

	now := s.clock.Now()

	var created []domain.Order

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		created = created[:0]

		holds := make([]domain.Reservation, 0, len(reservationIDs))
		var invalid []uuid.UUID
		for _, id := range reservationIDs {
			res, err := tx.GetReservation(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					invalid = append(invalid, id)
					continue
				}
				return err
			}

			if res.HolderID != holderID || !res.Live(now) || res.OrderID != nil {
				invalid = append(invalid, id)
				continue
			}

			holds = append(holds, res)
		}

		if len(invalid) > 0 {
			return InvalidReservationError{ReservationIDs: invalid, Reason: "not a live hold of the holder"}
		}

		groups, err := groupByEvent(ctx, tx, holds)
		if err != nil {
			return err
		}

		for _, g := range groups {
			order := domain.Order{
				ID:         uuid.New(),
				HolderID:   holderID,
				EventID:    g.eventID,
				Quantity:   len(g.ids),
				TotalCents: g.totalCents,
				Status:     domain.OrderPending,
				CreatedAt:  now,
			}

			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}

			if err := tx.LinkReservations(ctx, g.ids, order.ID, now); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return InvalidReservationError{ReservationIDs: g.ids, Reason: "changed concurrently"}
				}
				return err
			}

			created = append(created, order)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return created, nil
}

type eventGroup struct {
	eventID    int64
	ids        []uuid.UUID
	totalCents int64
}

func groupByEvent(ctx context.Context, tx repository.Tx, holds []domain.Reservation) ([]eventGroup, error) {
	var groups []eventGroup

	for _, res := range holds {
		seat, err := tx.GetSeat(ctx, res.SeatID)
		if err != nil {
			return nil, err
		}

		i := slices.IndexFunc(groups, func(g eventGroup) bool { return g.eventID == seat.EventID })
		if i < 0 {
			groups = append(groups, eventGroup{eventID: seat.EventID})
			i = len(groups) - 1
		}

		groups[i].ids = append(groups[i].ids, res.ID)
		groups[i].totalCents += seat.PriceCents
	}

	slices.SortFunc(groups, func(a, b eventGroup) int {
		return cmp.Compare(a.eventID, b.eventID)
	})

	return groups, nil
}

// Settle finalizes a pending order after payment: the order becomes paid,
// its holds confirmed and their seats sold, all in one unit of work. Ticket
// issuance is then requested; a failure there is logged and left to the
// backfill. Settling a paid order again is a no-op that re-requests issuance.
//
// Returns:
//   - error: ErrNotFound if the order does not exist.
//   - error: ErrOrderNotPending if the order was cancelled.
func (s *Service) Settle(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	const op = "service.orders.Settle"

	now := s.clock.Now()

	var order domain.Order

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		switch o.Status {
		case domain.OrderPaid:
			order = o
			return nil
		case domain.OrderCancelled:
			return ErrOrderNotPending
		}

		if err := tx.CompareAndSetOrderStatus(ctx, o.ID, domain.OrderPending, domain.OrderPaid, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrOrderNotPending
			}
			return err
		}

		holds, err := tx.ReservationsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}

		for _, res := range holds {
			if res.Status != domain.ReservationReserved {
				continue
			}

			if err := tx.CompareAndSetReservationStatus(
				ctx, res.ID, domain.ReservationReserved, domain.ReservationConfirmed, now,
			); err != nil {
				return err
			}

			if err := tx.CompareAndSetSeatStatus(
				ctx, res.SeatID, domain.SeatReserved, domain.SeatSold,
			); err != nil {
				return fmt.Errorf("seat %d: %w", res.SeatID, err)
			}
		}

		s.notifyAfter(after, o.EventID)

		o.Status = domain.OrderPaid
		o.PaidAt = &now
		order = o

		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("%s: %w", op, err)
	}

	s.requestIssuance(ctx, order.ID)

	return order, nil
}

func (s *Service) requestIssuance(ctx context.Context, orderID uuid.UUID) {
	if s.issuer == nil {
		return
	}

	if err := s.issuer.RequestIssuance(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger.Warn("ticket issuance deferred to backfill",
			"order_id", orderID,
			"error", err,
		)
	}
}

// Cancel cancels one of the holder's pending orders and frees its seats.
//
// Returns:
//   - error: ErrNotFound if the order does not exist, belongs to someone
//     else, or is not pending.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, holderID int64) (domain.Order, error) {
	const op = "service.orders.Cancel"

	order, err := s.cancelPending(ctx, orderID, func(o domain.Order) bool {
		return o.HolderID == holderID
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("%s: %w", op, err)
	}

	return order, nil
}

// CancelStale cancels pending orders created before createdBefore and frees
// their seats, so an order that is never paid does not hold seats forever.
// Each order is cancelled in its own unit of work; one that gets paid or
// cancelled meanwhile is left alone. It returns how many were cancelled.
func (s *Service) CancelStale(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	const op = "service.orders.CancelStale"

	var ids []uuid.UUID
	if err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		ids, err = r.StalePendingOrders(ctx, createdBefore, limit)
		return err
	}); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var cancelled int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return cancelled, fmt.Errorf("%s: %w", op, err)
		}

		_, err := s.cancelPending(ctx, id, func(domain.Order) bool { return true })
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrNotFound):
		default:
			s.logger.Error("failed to cancel stale order", "order_id", id, "error", err)
		}
	}

	return cancelled, nil
}

// cancelPending moves a pending order accepted by owns to cancelled, cancels
// its reserved holds and frees their seats.
func (s *Service) cancelPending(
	ctx context.Context,
	orderID uuid.UUID,
	owns func(domain.Order) bool,
) (domain.Order, error) {
	now := s.clock.Now()

	var order domain.Order

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		if !owns(o) || o.Status != domain.OrderPending {
			return ErrNotFound
		}

		if err := tx.CompareAndSetOrderStatus(ctx, o.ID, domain.OrderPending, domain.OrderCancelled, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrNotFound
			}
			return err
		}

		holds, err := tx.ReservationsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}

		for _, res := range holds {
			if err := tx.CompareAndSetReservationStatus(
				ctx, res.ID, domain.ReservationReserved, domain.ReservationCancelled, now,
			); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				return err
			}

			if err := reservation.FreeSeat(ctx, tx, res.SeatID); err != nil {
				return err
			}
		}

		s.notifyAfter(after, o.EventID)

		o.Status = domain.OrderCancelled
		o.CancelledAt = &now
		order = o

		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// Get returns one of the holder's orders with its reservations.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID, holderID int64) (domain.OrderWithReservations, error) {
	const op = "service.orders.Get"

	var out domain.OrderWithReservations
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		o, err := r.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		if o.HolderID != holderID {
			return ErrNotFound
		}

		holds, err := r.ReservationsByOrder(ctx, o.ID)
		if err != nil {
			return err
		}

		out = domain.OrderWithReservations{Order: o, Reservations: holds}
		return nil
	})
	if err != nil {
		return domain.OrderWithReservations{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// ListByHolder returns the holder's orders, newest first.
func (s *Service) ListByHolder(ctx context.Context, holderID int64) ([]domain.Order, error) {
	const op = "service.orders.ListByHolder"

	var out []domain.Order
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		out, err = r.OrdersByHolder(ctx, holderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) notifyAfter(after func(uow.AfterCommit), eventID int64) {
	if s.notifier == nil {
		return
	}

	after(func(ctx context.Context) {
		s.notifier.EventChanged(ctx, eventID)
	})
}

func duplicates(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if seen[id] && !slices.Contains(out, id) {
			out = append(out, id)
		}
		seen[id] = true
	}
	return out
}
