package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
)

const eventColumns = `e.id, e.title, e.venue, e.starts_at, m.id`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.Title, &e.Venue, &e.StartsAt, &e.SeatMapID)
	return e, err
}

// InsertEvent creates an event and its seat map.
func (q queries) InsertEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	const op = "postgres.queries.InsertEvent"

	if e.ID == 0 {
		if err := q.db.QueryRow(ctx,
			`INSERT INTO events (title, venue, starts_at)
			 VALUES ($1, $2, $3)
			 RETURNING id`,
			e.Title, e.Venue, e.StartsAt,
		).Scan(&e.ID); err != nil {
			return domain.Event{}, wrapDBErr(op, err)
		}
	} else {
		if _, err := q.db.Exec(ctx,
			`INSERT INTO events (id, title, venue, starts_at)
			 VALUES ($1, $2, $3, $4)`,
			e.ID, e.Title, e.Venue, e.StartsAt,
		); err != nil {
			return domain.Event{}, wrapDBErr(op, err)
		}

		if _, err := q.db.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('events', 'id'),
			               GREATEST($1, (SELECT COALESCE(MAX(id), 1) FROM events)))`,
			e.ID,
		); err != nil {
			return domain.Event{}, wrapDBErr(op, err)
		}
	}

	if err := q.db.QueryRow(ctx,
		`INSERT INTO seat_maps (event_id) VALUES ($1) RETURNING id`,
		e.ID,
	).Scan(&e.SeatMapID); err != nil {
		return domain.Event{}, wrapDBErr(op, err)
	}

	return e, nil
}

// InsertSeats adds seats to a seat map. Seats with an explicit ID keep it so
// fixtures can use well-known numbers.
func (q queries) InsertSeats(
	ctx context.Context,
	seatMapID int64,
	seats []domain.Seat,
) ([]domain.Seat, error) {
	const op = "postgres.queries.InsertSeats"

	var eventID int64
	if err := q.db.QueryRow(ctx,
		`SELECT event_id FROM seat_maps WHERE id = $1`,
		seatMapID,
	).Scan(&eventID); err != nil {
		return nil, wrapDBErr(op, err)
	}

	out := make([]domain.Seat, 0, len(seats))
	var maxID int64
	for _, s := range seats {
		if s.Status == "" {
			s.Status = domain.SeatAvailable
		}
		s.SeatMapID = seatMapID
		s.EventID = eventID

		var err error
		if s.ID == 0 {
			err = q.db.QueryRow(ctx,
				`INSERT INTO seats (seat_map_id, label, section, row_label, number, price_cents, status)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				seatMapID, s.Label, s.Section, s.Row, s.Number, s.PriceCents, s.Status,
			).Scan(&s.ID)
		} else {
			_, err = q.db.Exec(ctx,
				`INSERT INTO seats (id, seat_map_id, label, section, row_label, number, price_cents, status)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				s.ID, seatMapID, s.Label, s.Section, s.Row, s.Number, s.PriceCents, s.Status,
			)
			maxID = max(maxID, s.ID)
		}
		if err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, s)
	}

	if maxID > 0 {
		if _, err := q.db.Exec(ctx,
			`SELECT setval(pg_get_serial_sequence('seats', 'id'),
			               GREATEST($1, (SELECT COALESCE(MAX(id), 1) FROM seats)))`,
			maxID,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}
	}

	return out, nil
}

// GetEvent retrieves an event by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the event is not found.
func (q queries) GetEvent(ctx context.Context, eventID int64) (domain.Event, error) {
	const op = "postgres.queries.GetEvent"

	e, err := scanEvent(q.db.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM events e
		 JOIN seat_maps m ON m.event_id = e.id
		 WHERE e.id = $1`,
		eventID,
	))
	if err != nil {
		return domain.Event{}, wrapDBErr(op, err)
	}

	return e, nil
}
