package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

const seatColumns = `s.id, s.seat_map_id, m.event_id, s.label, s.section, s.row_label,
	s.number, s.price_cents, s.status`

func scanSeat(row pgx.Row) (domain.Seat, error) {
	var s domain.Seat
	err := row.Scan(
		&s.ID, &s.SeatMapID, &s.EventID, &s.Label, &s.Section, &s.Row,
		&s.Number, &s.PriceCents, &s.Status,
	)
	return s, err
}

func (q queries) GetSeat(ctx context.Context, seatID int64) (domain.Seat, error) {
	const op = "postgres.queries.GetSeat"

	s, err := scanSeat(q.db.QueryRow(ctx,
		`SELECT `+seatColumns+`
		 FROM seats s
		 JOIN seat_maps m ON m.id = s.seat_map_id
		 WHERE s.id = $1`,
		seatID,
	))
	if err != nil {
		return domain.Seat{}, wrapDBErr(op, err)
	}

	return s, nil
}

func (q queries) GetSeats(ctx context.Context, seatIDs []int64) ([]domain.Seat, error) {
	const op = "postgres.queries.GetSeats"

	rows, err := q.db.Query(ctx,
		`SELECT `+seatColumns+`
		 FROM unnest($1::bigint[]) WITH ORDINALITY AS want(id, pos)
		 JOIN seats s ON s.id = want.id
		 JOIN seat_maps m ON m.id = s.seat_map_id
		 ORDER BY want.pos`,
		seatIDs,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	seats, err := collect(rows, scanSeat)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return seats, nil
}

// SeatsByStatus lists the seats of an event, optionally filtered by status.
//
// Returns:
//   - error: repository.ErrNotFound if the event does not exist.
func (q queries) SeatsByStatus(
	ctx context.Context,
	eventID int64,
	status domain.SeatStatus,
) ([]domain.Seat, error) {
	const op = "postgres.queries.SeatsByStatus"

	if err := q.eventExists(ctx, eventID); err != nil {
		return nil, wrapDBErr(op, err)
	}

	rows, err := q.db.Query(ctx,
		`SELECT `+seatColumns+`
		 FROM seats s
		 JOIN seat_maps m ON m.id = s.seat_map_id
		 WHERE m.event_id = $1
		   AND ($2 = '' OR s.status = $2)
		 ORDER BY s.section, s.row_label, s.number, s.id`,
		eventID, string(status),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	seats, err := collect(rows, scanSeat)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return seats, nil
}

func (q queries) CountSeats(ctx context.Context, eventID int64) (domain.EventCounts, error) {
	const op = "postgres.queries.CountSeats"

	if err := q.eventExists(ctx, eventID); err != nil {
		return domain.EventCounts{}, wrapDBErr(op, err)
	}

	var c domain.EventCounts
	if err := q.db.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE s.status = 'available'),
			COUNT(*) FILTER (WHERE s.status = 'reserved'),
			COUNT(*) FILTER (WHERE s.status = 'sold'),
			COUNT(*)
		 FROM seats s
		 JOIN seat_maps m ON m.id = s.seat_map_id
		 WHERE m.event_id = $1`,
		eventID,
	).Scan(&c.Available, &c.Reserved, &c.Sold, &c.Total); err != nil {
		return domain.EventCounts{}, wrapDBErr(op, err)
	}

	return c, nil
}

func (q queries) eventExists(ctx context.Context, eventID int64) error {
	var exists bool
	if err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`,
		eventID,
	).Scan(&exists); err != nil {
		return err
	}

	if !exists {
		return repository.ErrNotFound
	}

	return nil
}

func (q queries) CompareAndSetSeatStatus(
	ctx context.Context,
	seatID int64,
	expected, next domain.SeatStatus,
) error {
	const op = "postgres.queries.CompareAndSetSeatStatus"

	tag, err := q.db.Exec(ctx,
		`UPDATE seats SET status = $3
		 WHERE id = $1 AND status = $2`,
		seatID, expected, next,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, casMiss(ctx, q.db, "seats", seatID))
	}

	return nil
}

// CompareAndSetSeatStatuses locks the requested seats in id order, reports
// every seat that is missing or not in the expected state, and only updates
// when there are none.
func (q queries) CompareAndSetSeatStatuses(
	ctx context.Context,
	seatIDs []int64,
	expected, next domain.SeatStatus,
) ([]int64, error) {
	const op = "postgres.queries.CompareAndSetSeatStatuses"

	rows, err := q.db.Query(ctx,
		`SELECT want.id
		 FROM unnest($1::bigint[]) WITH ORDINALITY AS want(id, pos)
		 LEFT JOIN (
			SELECT id, status FROM seats
			WHERE id = ANY($1::bigint[])
			ORDER BY id
			FOR UPDATE
		 ) s ON s.id = want.id
		 WHERE s.id IS NULL OR s.status <> $2
		 ORDER BY want.pos`,
		seatIDs, expected,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	conflicts, err := collect(rows, func(row pgx.Row) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	if len(conflicts) > 0 {
		return conflicts, nil
	}

	if _, err := q.db.Exec(ctx,
		`UPDATE seats SET status = $3
		 WHERE id = ANY($1::bigint[]) AND status = $2`,
		seatIDs, expected, next,
	); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return nil, nil
}
