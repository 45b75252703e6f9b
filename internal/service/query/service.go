package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-alloc/internal/domain"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	redisrepo "github.com/kirinyoku/tix-alloc/internal/repository/redis"
)

type Config struct {
	EventTTL         time.Duration
	AvailabilityTTL  time.Duration
	DefaultSeatsPage int
	MaxSeatsPage     int
}

// Service answers read-only inventory questions. Results go through the
// Redis cache when one is configured.
type Service struct {
	store repository.Store
	cache *redisrepo.Cache
	cfg   Config
}

// New builds the query service. cache may be nil.
func New(store repository.Store, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 60 * time.Second
	}

	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 15 * time.Second
	}

	if cfg.DefaultSeatsPage <= 0 {
		cfg.DefaultSeatsPage = 100
	}

	if cfg.MaxSeatsPage <= 0 {
		cfg.MaxSeatsPage = 500
	}

	return &Service{
		store: store,
		cache: cache,
		cfg:   cfg,
	}
}

// GetEvent retrieves an event by its ID.
//
// Returns:
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	const op = "service.query.GetEvent"

	event, err := cached(ctx, s, redisx.KeyEvent(id), s.cfg.EventTTL,
		func(ctx context.Context, r repository.Reader) (domain.Event, error) {
			return r.GetEvent(ctx, id)
		},
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	return event, nil
}

// Counts returns how many of the event's seats are in each status.
//
// Returns:
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) Counts(ctx context.Context, eventID int64) (domain.EventCounts, error) {
	const op = "service.query.Counts"

	counts, err := cached(ctx, s, redisx.KeyEventCounts(eventID), s.cfg.AvailabilityTTL,
		func(ctx context.Context, r repository.Reader) (domain.EventCounts, error) {
			return r.CountSeats(ctx, eventID)
		},
	)
	if err != nil {
		return domain.EventCounts{}, fmt.Errorf("%s: %w", op, err)
	}

	return counts, nil
}

// ListEventSeats lists an event's seats ordered by section, row and number,
// one page at a time.
//
// Parameters:
//   - onlyAvailable: if true, only seats with 'available' status are returned.
//     That list is cached; the full list is not.
//   - limit: page size. Defaults and caps come from Config.
//   - offset: number of seats to skip.
//
// Returns:
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) ListEventSeats(
	ctx context.Context,
	eventID int64,
	onlyAvailable bool,
	limit, offset int,
) ([]domain.Seat, error) {
	const op = "service.query.ListEventSeats"

	if limit <= 0 {
		limit = s.cfg.DefaultSeatsPage
	}

	if limit > s.cfg.MaxSeatsPage {
		limit = s.cfg.MaxSeatsPage
	}

	offset = max(offset, 0)

	load := func(ctx context.Context, r repository.Reader) ([]domain.Seat, error) {
		var status domain.SeatStatus
		if onlyAvailable {
			status = domain.SeatAvailable
		}
		return r.SeatsByStatus(ctx, eventID, status)
	}

	var (
		seats []domain.Seat
		err   error
	)
	if onlyAvailable {
		seats, err = cached(ctx, s, redisx.KeyEventAvailableSeats(eventID), s.cfg.AvailabilityTTL, load)
	} else {
		seats, err = direct(ctx, s, load)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if offset >= len(seats) {
		return []domain.Seat{}, nil
	}

	return seats[offset:min(offset+limit, len(seats))], nil
}

func cached[T any](
	ctx context.Context,
	s *Service,
	key string,
	ttl time.Duration,
	load func(ctx context.Context, r repository.Reader) (T, error),
) (T, error) {
	if s.cache == nil {
		return direct(ctx, s, load)
	}

	return redisrepo.GetOrSetJSON(ctx, s.cache, key, ttl, func(ctx context.Context) (T, error) {
		return direct(ctx, s, load)
	})
}

func direct[T any](
	ctx context.Context,
	s *Service,
	load func(ctx context.Context, r repository.Reader) (T, error),
) (T, error) {
	var out T
	err := s.store.View(ctx, func(ctx context.Context, r repository.Reader) error {
		var err error
		out, err = load(ctx, r)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return out, ErrEventNotFound
	}

	return out, err
}
