// Package catalog loads events and their seat maps into the inventory. The
// running service treats the catalog as read-only; this is used by the
// seeding command and by tests.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/uow"
)

type SeatSpec struct {
	ID         int64  `json:"id"`
	Label      string `json:"label"`
	Section    string `json:"section"`
	Row        string `json:"row"`
	Number     int    `json:"number"`
	PriceCents int64  `json:"price_cents"`
}

type EventSpec struct {
	// ID and seat IDs are optional; zero means the store assigns one.
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Venue    string     `json:"venue"`
	StartsAt time.Time  `json:"starts_at"`
	Seats    []SeatSpec `json:"seats"`
}

type Service struct {
	uow    *uow.UoW
	logger *slog.Logger
}

func New(store repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		uow:    uow.New(store),
		logger: logger.With("service", "catalog"),
	}
}

// CreateEvent stores an event, its seat map and every seat as available.
//
// Returns:
//   - domain.Event: the stored event with its seat map id.
//   - []domain.Seat: the stored seats in input order.
//   - error: catalog.ErrInvalidEvent for a missing title or seat list.
//   - error: catalog.ErrSeatsConflict if a seat repeats a section/row/number.
func (s *Service) CreateEvent(ctx context.Context, spec EventSpec) (domain.Event, []domain.Seat, error) {
	const op = "service.catalog.CreateEvent"

	if spec.Title == "" || len(spec.Seats) == 0 {
		return domain.Event{}, nil, fmt.Errorf("%s: %w", op, ErrInvalidEvent)
	}

	var (
		event domain.Event
		seats []domain.Seat
	)

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Tx, _ func(uow.AfterCommit)) error {
		var err error
		event, err = tx.InsertEvent(ctx, domain.Event{
			ID:       spec.ID,
			Title:    spec.Title,
			Venue:    spec.Venue,
			StartsAt: spec.StartsAt.UTC(),
		})
		if err != nil {
			return err
		}

		in := make([]domain.Seat, 0, len(spec.Seats))
		for _, ss := range spec.Seats {
			label := ss.Label
			if label == "" {
				label = fmt.Sprintf("%s-%s%d", ss.Section, ss.Row, ss.Number)
			}
			in = append(in, domain.Seat{
				ID:         ss.ID,
				EventID:    event.ID,
				Label:      label,
				Section:    ss.Section,
				Row:        ss.Row,
				Number:     ss.Number,
				PriceCents: ss.PriceCents,
				Status:     domain.SeatAvailable,
			})
		}

		seats, err = tx.InsertSeats(ctx, event.SeatMapID, in)
		if errors.Is(err, repository.ErrConflict) {
			return ErrSeatsConflict
		}
		return err
	})
	if err != nil {
		return domain.Event{}, nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("event created", "event_id", event.ID, "seats", len(seats))

	return event, seats, nil
}

// Seed reads a JSON array of EventSpec from r and creates each event.
func (s *Service) Seed(ctx context.Context, r io.Reader) ([]domain.Event, error) {
	const op = "service.catalog.Seed"

	var specs []EventSpec
	if err := json.NewDecoder(r).Decode(&specs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]domain.Event, 0, len(specs))
	for i, spec := range specs {
		e, _, err := s.CreateEvent(ctx, spec)
		if err != nil {
			return out, fmt.Errorf("%s: event %d: %w", op, i, err)
		}
		out = append(out, e)
	}

	return out, nil
}
