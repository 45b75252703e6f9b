package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/uow"
)

type Notifier interface {
	EventChanged(ctx context.Context, eventID int64)
}

// Backfiller re-drives ticket issuance for paid orders that are missing
// tickets.
type Backfiller interface {
	Backfill(ctx context.Context, limit int) (int, error)
}

// StaleOrderCanceller cancels pending orders nobody paid for in time.
type StaleOrderCanceller interface {
	CancelStale(ctx context.Context, createdBefore time.Time, limit int) (int, error)
}

type Config struct {
	Interval      time.Duration
	BatchSize     int
	BackfillLimit int
	// PendingOrderTTL is how long an order may stay pending before its seats
	// are taken back. Zero keeps pending orders indefinitely.
	PendingOrderTTL time.Duration
}

type Service struct {
	uow        *uow.UoW
	clock      clock.Clock
	notifier   Notifier
	backfiller Backfiller
	orders     StaleOrderCanceller
	logger     *slog.Logger
	cfg        Config
}

// New builds the expiry reaper. notifier, backfiller and orders may be nil.
func New(
	store repository.Store,
	clk clock.Clock,
	notifier Notifier,
	backfiller Backfiller,
	orders StaleOrderCanceller,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 100
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		uow:        uow.New(store),
		clock:      clk,
		notifier:   notifier,
		backfiller: backfiller,
		orders:     orders,
		logger:     logger.With("service", "reaper"),
		cfg:        cfg,
	}
}

type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SweepExpired expires every lapsed, unlinked hold and frees its seat. Holds
// linked to an order are never touched here; they leave the reserved state
// through settlement, cancellation or CancelStaleOrders. Each
// hold is handled in its own unit of work; a failure is logged and counted
// and the sweep moves on. Running it twice in a row changes nothing the
// second time.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	const op = "service.reaper.SweepExpired"

	now := s.clock.Now()

	var total SweepResult
	for {
		var batch []domain.Reservation
		if err := s.uow.View(ctx, func(ctx context.Context, r repository.Reader) error {
			var err error
			batch, err = r.ExpiredReservations(ctx, now, s.cfg.BatchSize)
			return err
		}); err != nil {
			return total, fmt.Errorf("%s: %w", op, err)
		}

		res, err := s.sweepBatch(ctx, batch, now)
		total.Scanned += res.Scanned
		total.Expired += res.Expired
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		if err != nil {
			return total, fmt.Errorf("%s: %w", op, err)
		}

		// Failing holds stay in the scan, so only continue while the batch
		// was full and made progress.
		if len(batch) < s.cfg.BatchSize || res.Expired == 0 {
			return total, nil
		}
	}
}

func (s *Service) sweepBatch(
	ctx context.Context,
	batch []domain.Reservation,
	now time.Time,
) (SweepResult, error) {
	var out SweepResult

	for _, res := range batch {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		out.Scanned++

		if !res.Reapable(now) {
			out.Skipped++
			continue
		}

		var expired bool
		err := s.uow.Do(ctx, func(
			ctx context.Context,
			tx repository.Tx,
			after func(uow.AfterCommit),
		) error {
			ok, err := reservation.ExpireHold(ctx, tx, res, now)
			if err != nil || !ok {
				return err
			}
			expired = true

			if s.notifier != nil {
				seat, err := tx.GetSeat(ctx, res.SeatID)
				if err != nil {
					return err
				}
				after(func(ctx context.Context) {
					s.notifier.EventChanged(ctx, seat.EventID)
				})
			}

			return nil
		})
		if err != nil {
			out.Failed++
			s.logger.Error("failed to expire reservation",
				"reservation_id", res.ID,
				"seat_id", res.SeatID,
				"error", err,
			)
			continue
		}

		if expired {
			out.Expired++
		} else {
			out.Skipped++
		}
	}

	return out, nil
}

// Run sweeps on every tick until ctx is done. Each tick also backfills
// tickets for paid orders that are missing some.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reaper started", "interval", s.cfg.Interval)

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CancelStaleOrders cancels pending orders older than PendingOrderTTL and
// frees their seats. It does nothing when the TTL is zero or no canceller
// is configured.
func (s *Service) CancelStaleOrders(ctx context.Context) (int, error) {
	const op = "service.reaper.CancelStaleOrders"

	if s.orders == nil || s.cfg.PendingOrderTTL <= 0 {
		return 0, nil
	}

	n, err := s.orders.CancelStale(ctx, s.clock.Now().Add(-s.cfg.PendingOrderTTL), s.cfg.BatchSize)
	if err != nil {
		return n, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

func (s *Service) tick(ctx context.Context) {
	res, err := s.SweepExpired(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", err)
	}

	level := slog.LevelDebug
	if res.Expired > 0 || res.Failed > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep finished",
		"scanned", res.Scanned,
		"expired", res.Expired,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)

	if ctx.Err() != nil {
		return
	}

	if n, err := s.CancelStaleOrders(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale order cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("stale orders cancelled", "orders", n)
	}

	if s.backfiller == nil || ctx.Err() != nil {
		return
	}

	n, err := s.backfiller.Backfill(ctx, s.cfg.BackfillLimit)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("ticket backfill failed", "error", err)
	}
	if n > 0 {
		s.logger.Info("ticket backfill issued", "orders", n)
	}
}
