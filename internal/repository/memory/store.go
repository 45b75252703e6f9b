// Package memory is an in-process inventory store with the same transition
// semantics as the Postgres store. A unit of work holds the write lock for
// its whole duration and is rolled back from an undo log on error.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

type orderSeat struct {
	orderID uuid.UUID
	seatID  int64
}

type Store struct {
	mu sync.RWMutex

	events   map[int64]domain.Event
	seatMaps map[int64]int64
	seats    map[int64]domain.Seat

	reservations map[uuid.UUID]domain.Reservation
	// one reserved hold per seat
	liveBySeat map[int64]uuid.UUID

	orders map[uuid.UUID]domain.Order

	tickets       map[uuid.UUID]domain.Ticket
	ticketNumbers map[string]uuid.UUID
	ticketBySeat  map[orderSeat]uuid.UUID

	seq struct {
		event, seatMap, seat int64
	}
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		events:        make(map[int64]domain.Event),
		seatMaps:      make(map[int64]int64),
		seats:         make(map[int64]domain.Seat),
		reservations:  make(map[uuid.UUID]domain.Reservation),
		liveBySeat:    make(map[int64]uuid.UUID),
		orders:        make(map[uuid.UUID]domain.Order),
		tickets:       make(map[uuid.UUID]domain.Ticket),
		ticketNumbers: make(map[string]uuid.UUID),
		ticketBySeat:  make(map[orderSeat]uuid.UUID),
	}
}

func (s *Store) InTx(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Tx) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{reader: reader{s: s}}
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}

	return nil
}

func (s *Store) View(
	ctx context.Context,
	fn func(ctx context.Context, r repository.Reader) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(ctx, reader{s: s})
}

// restore captures the current value under k and returns a func that puts
// it back.
func restore[K comparable, V any](m map[K]V, k K) func() {
	prev, ok := m[k]
	return func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	}
}
