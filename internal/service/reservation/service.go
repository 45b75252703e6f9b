package reservation

import (
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
	"github.com/kirinyoku/tix-alloc/internal/uow"
)

const DefaultHoldTTL = 15 * time.Minute

// Notifier is told about every committed change to an event's seats.
type Notifier interface {
	EventChanged(ctx context.Context, eventID int64)
}

// Limiter throttles claims per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, current int64, retryAfter time.Duration, err error)
}

type Config struct {
	HoldTTL          time.Duration
	MaxSeatsPerClaim int
}

type Service struct {
	uow      *uow.UoW
	clock    clock.Clock
	notifier Notifier
	limiter  Limiter
	logger   *slog.Logger
	cfg      Config
}

// New builds the reservation engine. notifier and limiter may be nil.
func New(
	store repository.Store,
	clk clock.Clock,
	notifier Notifier,
	limiter Limiter,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = DefaultHoldTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		uow:      uow.New(store),
		clock:    clk,
		notifier: notifier,
		limiter:  limiter,
		logger:   logger.With("service", "reservation"),
		cfg:      cfg,
	}
}

type ClaimRequest struct {
	HolderID int64
	SeatIDs  []int64
	// RateLimitKey identifies the client for throttling. Empty disables it.
	RateLimitKey string
}

// Claim places holds on every requested seat or on none of them.
//
// Parameters:
//   - ctx: request-scoped context.
//   - req: holder and the seats to hold.
//
// Returns:
//   - []domain.Reservation: one reserved hold per seat, in request order.
//   - error: SeatUnavailableError listing the seats that are missing, sold,
//     or held by a live reservation.
//   - error: ErrNoSeats, DuplicateSeatsError, ErrInvalidSeatID, ErrTooManySeats
//     for malformed requests; RateLimitedError when throttled.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) ([]domain.Reservation, error) {
	const op = "service.reservation.Claim"

	if err := s.validate(req.SeatIDs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if s.limiter != nil && req.RateLimitKey != "" {
		ok, _, retry, err := s.limiter.Allow(ctx, req.RateLimitKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s: %w", op, RateLimitedError{RetryAfter: retry})
		}
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.cfg.HoldTTL)

	var held []domain.Reservation

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		held = held[:0]

		seats, err := tx.GetSeats(ctx, req.SeatIDs)
		if err != nil {
			return err
		}

		for _, seat := range seats {
			if seat.Status != domain.SeatReserved {
				continue
			}
			if err := reclaimIfStale(ctx, tx, seat.ID, now); err != nil {
				return err
			}
		}

		conflicts, err := tx.CompareAndSetSeatStatuses(
			ctx, req.SeatIDs, domain.SeatAvailable, domain.SeatReserved,
		)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return SeatUnavailableError{SeatIDs: conflicts}
		}

		for _, seatID := range req.SeatIDs {
			res := domain.Reservation{
				ID:        uuid.New(),
				SeatID:    seatID,
				HolderID:  req.HolderID,
				Status:    domain.ReservationReserved,
				ExpiresAt: expiresAt,
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := tx.InsertReservation(ctx, res); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return SeatUnavailableError{SeatIDs: []int64{seatID}}
				}
				return err
			}

			held = append(held, res)
		}

		s.notifyAfter(after, seats)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Debug("seats claimed",
		"holder_id", req.HolderID,
		"seats", len(held),
		"expires_at", expiresAt,
	)

	return held, nil
}

// Release cancels one of the holder's own unlinked holds and frees its seat.
//
// Returns:
//   - domain.Reservation: the cancelled hold.
//   - error: ErrNotFound if the hold does not exist, belongs to someone else,
//     is already terminal, or is attached to an order.
func (s *Service) Release(
	ctx context.Context,
	reservationID uuid.UUID,
	holderID int64,
) (domain.Reservation, error) {
	const op = "service.reservation.Release"

	now := s.clock.Now()

	var released domain.Reservation

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		after func(uow.AfterCommit),
	) error {
		res, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		if res.HolderID != holderID || res.Status != domain.ReservationReserved || res.OrderID != nil {
			return ErrNotFound
		}

		if err := tx.CompareAndSetReservationStatus(
			ctx, res.ID, domain.ReservationReserved, domain.ReservationCancelled, now,
		); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrNotFound
			}
			return err
		}

		if err := FreeSeat(ctx, tx, res.SeatID); err != nil {
			return err
		}

		seat, err := tx.GetSeat(ctx, res.SeatID)
		if err != nil {
			return err
		}
		s.notifyAfter(after, []domain.Seat{seat})

		res.Status = domain.ReservationCancelled
		res.UpdatedAt = now
		released = res

		return nil
	})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return released, nil
}

// ListLive returns the holder's holds that are still blocking their seats.
func (s *Service) ListLive(ctx context.Context, holderID int64) ([]domain.Reservation, error) {
	const op = "service.reservation.ListLive"

	now := s.clock.Now()

	var out []domain.Reservation
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		out, err = r.LiveReservationsByHolder(ctx, holderID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) validate(seatIDs []int64) error {
	if len(seatIDs) == 0 {
		return ErrNoSeats
	}

	if s.cfg.MaxSeatsPerClaim > 0 && len(seatIDs) > s.cfg.MaxSeatsPerClaim {
		return ErrTooManySeats
	}

	seen := make(map[int64]bool, len(seatIDs))
	var dups []int64
	for _, id := range seatIDs {
		if id <= 0 {
			return ErrInvalidSeatID
		}
		if seen[id] && !slices.Contains(dups, id) {
			dups = append(dups, id)
		}
		seen[id] = true
	}

	if len(dups) > 0 {
		return DuplicateSeatsError{SeatIDs: dups}
	}

	return nil
}

func (s *Service) notifyAfter(after func(uow.AfterCommit), seats []domain.Seat) {
	if s.notifier == nil {
		return
	}

	events := EventIDs(seats)
	after(func(ctx context.Context) {
		for _, id := range events {
			s.notifier.EventChanged(ctx, id)
		}
	})
}

// reclaimIfStale expires a lapsed, unlinked hold on seatID and frees the seat
// so the current claim can take it. Live or order-linked holds are left alone.
func reclaimIfStale(ctx context.Context, tx repository.Tx, seatID int64, now time.Time) error {
	res, err := tx.HeldReservation(ctx, seatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	if !res.Reapable(now) {
		return nil
	}

	_, err = ExpireHold(ctx, tx, res, now)
	return err
}

// ExpireHold moves a lapsed, unlinked hold to expired and frees its seat.
// It reports false, with no changes, when the hold no longer qualifies.
func ExpireHold(ctx context.Context, tx repository.Tx, res domain.Reservation, now time.Time) (bool, error) {
	if err := tx.ExpireReservation(ctx, res.ID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := FreeSeat(ctx, tx, res.SeatID); err != nil {
		return false, err
	}

	return true, nil
}

// FreeSeat moves a reserved seat back to available. A seat that is already
// available, or sold, is left as is.
func FreeSeat(ctx context.Context, tx repository.Tx, seatID int64) error {
	err := tx.CompareAndSetSeatStatus(ctx, seatID, domain.SeatReserved, domain.SeatAvailable)
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return err
	}
	return nil
}

// EventIDs returns the distinct events of seats in ascending order.
func EventIDs(seats []domain.Seat) []int64 {
	out := make([]int64, 0, 1)
	for _, seat := range seats {
		if !slices.Contains(out, seat.EventID) {
			out = append(out, seat.EventID)
		}
	}
	slices.Sort(out)
	return out
}
