package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/uow"
	"github.com/skip2/go-qrcode"
)

type Config struct {
	// MaxNumberAttempts bounds how many numbers are tried per seat before
	// giving up with ErrNumberSpace.
	MaxNumberAttempts int
	QRSize            int
}

type Service struct {
	uow    *uow.UoW
	clock  clock.Clock
	gen    *Generator
	logger *slog.Logger
	cfg    Config
}

func New(
	store repository.Store,
	clk clock.Clock,
	gen *Generator,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.MaxNumberAttempts <= 0 {
		cfg.MaxNumberAttempts = 5
	}

	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		uow:    uow.New(store),
		clock:  clk,
		gen:    gen,
		logger: logger.With("service", "tickets"),
		cfg:    cfg,
	}
}

// Issue mints one active ticket per confirmed seat of a paid order. Seats
// that already have a ticket are skipped, so calling it again, or from
// several workers at once, never duplicates tickets.
//
// Returns:
//   - []domain.Ticket: every ticket of the order, ordered by seat.
//   - error: ErrOrderNotFound or ErrOrderNotPaid.
func (s *Service) Issue(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	const op = "service.tickets.Issue"

	var (
		out    []domain.Ticket
		minted int
	)

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		_ func(uow.AfterCommit),
	) error {
		minted = 0

		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		if order.Status != domain.OrderPaid {
			return ErrOrderNotPaid
		}

		existing, err := tx.TicketsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}

		issued := make(map[int64]bool, len(existing))
		for _, t := range existing {
			issued[t.SeatID] = true
		}

		holds, err := tx.ReservationsByOrder(ctx, order.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, res := range holds {
			if res.Status != domain.ReservationConfirmed || issued[res.SeatID] {
				continue
			}

			seat, err := tx.GetSeat(ctx, res.SeatID)
			if err != nil {
				return err
			}

			ok, err := s.mint(ctx, tx, order, seat, now)
			if err != nil {
				return fmt.Errorf("seat %d: %w", seat.ID, err)
			}
			if ok {
				minted++
			}
		}

		out, err = tx.TicketsByOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if minted > 0 {
		s.logger.Info("tickets issued", "order_id", orderID, "count", minted)
	}

	return out, nil
}

// mint inserts a ticket for seat, drawing a new number on every collision.
// It reports false if another issuer got there first.
func (s *Service) mint(
	ctx context.Context,
	tx repository.Tx,
	order domain.Order,
	seat domain.Seat,
	now time.Time,
) (bool, error) {
	for range s.cfg.MaxNumberAttempts {
		t := domain.Ticket{
			ID:       uuid.New(),
			Number:   s.gen.Next(),
			OrderID:  order.ID,
			SeatID:   seat.ID,
			EventID:  order.EventID,
			HolderID: order.HolderID,
			Status:   domain.TicketActive,
			Seat:     seat.Snapshot(),
			IssuedAt: now,
		}

		err := tx.InsertTicket(ctx, t)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, repository.ErrTicketNumberTaken):
			s.logger.Warn("ticket number collision", "number", t.Number)
			continue
		case errors.Is(err, repository.ErrConflict):
			return false, nil
		default:
			return false, err
		}
	}

	return false, ErrNumberSpace
}

// RequestIssuance issues tickets in the caller's goroutine. It lets the
// service stand in for the queue publisher when no broker is configured.
func (s *Service) RequestIssuance(ctx context.Context, orderID uuid.UUID) error {
	_, err := s.Issue(ctx, orderID)
	return err
}

// Backfill issues tickets for up to limit paid orders that are still missing
// some, and returns how many orders it completed.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	const op = "service.tickets.Backfill"

	var ids []uuid.UUID
	if err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		ids, err = r.PaidOrdersWithoutTickets(ctx, limit)
		return err
	}); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var done int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("%s: %w", op, err)
		}

		if _, err := s.Issue(ctx, id); err != nil {
			s.logger.Error("backfill issue failed", "order_id", id, "error", err)
			continue
		}
		done++
	}

	return done, nil
}

// Validate admits a ticket at the gate: the active ticket becomes used and
// the holder, seat and event are returned.
//
// Returns:
//   - error: ErrInvalidTicket if the number is forged, unknown, or the
//     ticket is not active.
//   - error: ErrEventPassed if the event has already started.
func (s *Service) Validate(ctx context.Context, number string) (domain.Admission, error) {
	const op = "service.tickets.Validate"

	if !s.gen.Verify(number) {
		return domain.Admission{}, fmt.Errorf("%s: %w", op, ErrInvalidTicket)
	}

	now := s.clock.Now()

	var adm domain.Admission
	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		_ func(uow.AfterCommit),
	) error {
		t, err := tx.TicketByNumber(ctx, number)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInvalidTicket
			}
			return err
		}

		if t.Status != domain.TicketActive {
			return ErrInvalidTicket
		}

		event, err := tx.GetEvent(ctx, t.EventID)
		if err != nil {
			return err
		}

		if !event.StartsAt.After(now) {
			return ErrEventPassed
		}

		if err := tx.CompareAndSetTicketStatus(ctx, t.ID, domain.TicketActive, domain.TicketUsed, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrInvalidTicket
			}
			return err
		}

		adm = domain.Admission{
			TicketNumber: t.Number,
			HolderID:     t.HolderID,
			EventID:      t.EventID,
			EventTitle:   event.Title,
			Seat:         t.Seat,
			UsedAt:       now,
		}

		return nil
	})
	if err != nil {
		return domain.Admission{}, fmt.Errorf("%s: %w", op, err)
	}

	return adm, nil
}

// Cancel cancels one of the holder's active tickets before its event. The
// seat stays sold.
//
// Returns:
//   - error: ErrNotFound if the ticket is absent, foreign, or not active.
//   - error: ErrEventPassed if the event has already started.
func (s *Service) Cancel(ctx context.Context, ticketID uuid.UUID, holderID int64) (domain.Ticket, error) {
	const op = "service.tickets.Cancel"

	now := s.clock.Now()

	var out domain.Ticket
	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Tx,
		_ func(uow.AfterCommit),
	) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		if t.HolderID != holderID || t.Status != domain.TicketActive {
			return ErrNotFound
		}

		event, err := tx.GetEvent(ctx, t.EventID)
		if err != nil {
			return err
		}

		if !event.StartsAt.After(now) {
			return ErrEventPassed
		}

		if err := tx.CompareAndSetTicketStatus(ctx, t.ID, domain.TicketActive, domain.TicketCancelled, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrNotFound
			}
			return err
		}

		t.Status = domain.TicketCancelled
		t.CancelledAt = &now
		out = t

		return nil
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) Get(ctx context.Context, ticketID uuid.UUID, holderID int64) (domain.Ticket, error) {
	const op = "service.tickets.Get"

	var out domain.Ticket
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		t, err := r.GetTicket(ctx, ticketID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		if t.HolderID != holderID {
			return ErrNotFound
		}

		out = t
		return nil
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// ListByHolder returns the holder's active tickets.
func (s *Service) ListByHolder(ctx context.Context, holderID int64) ([]domain.Ticket, error) {
	const op = "service.tickets.ListByHolder"

	var out []domain.Ticket
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		out, err = r.TicketsByHolder(ctx, holderID, domain.TicketActive)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// ListByOrder returns every ticket of one of the holder's orders.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID, holderID int64) ([]domain.Ticket, error) {
	const op = "service.tickets.ListByOrder"

	var out []domain.Ticket
	err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
		order, err := r.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		if order.HolderID != holderID {
			return ErrOrderNotFound
		}

		out, err = r.TicketsByOrder(ctx, order.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// QRCode renders the ticket number of an active ticket as a PNG.
func (s *Service) QRCode(ctx context.Context, ticketID uuid.UUID, holderID int64) ([]byte, error) {
	const op = "service.tickets.QRCode"

	t, err := s.Get(ctx, ticketID, holderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if t.Status != domain.TicketActive {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidTicket)
	}

	png, err := qrcode.Encode(t.Number, qrcode.Medium, s.cfg.QRSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return png, nil
}
