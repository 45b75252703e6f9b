package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

const reservationColumns = `id, seat_id, holder_id, status, expires_at, order_id, created_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(
		&r.ID, &r.SeatID, &r.HolderID, &r.Status,
		&r.ExpiresAt, &r.OrderID, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (q queries) listReservations(ctx context.Context, op, sql string, args ...any) ([]domain.Reservation, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanReservation)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (q queries) FindLiveReservation(
	ctx context.Context,
	seatID int64,
	now time.Time,
) (domain.Reservation, error) {
	const op = "postgres.queries.FindLiveReservation"

	r, err := scanReservation(q.db.QueryRow(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE seat_id = $1 AND status = 'reserved' AND expires_at > $2`,
		seatID, now,
	))
	if err != nil {
		return domain.Reservation{}, wrapDBErr(op, err)
	}

	return r, nil
}

func (q queries) HeldReservation(ctx context.Context, seatID int64) (domain.Reservation, error) {
	const op = "postgres.queries.HeldReservation"

	r, err := scanReservation(q.db.QueryRow(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE seat_id = $1 AND status = 'reserved'
		 FOR UPDATE`,
		seatID,
	))
	if err != nil {
		return domain.Reservation{}, wrapDBErr(op, err)
	}

	return r, nil
}

func (q queries) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	const op = "postgres.queries.GetReservation"

	r, err := scanReservation(q.db.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`,
		id,
	))
	if err != nil {
		return domain.Reservation{}, wrapDBErr(op, err)
	}

	return r, nil
}

func (q queries) ReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	return q.listReservations(ctx, "postgres.queries.ReservationsByOrder",
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE order_id = $1
		 ORDER BY seat_id`,
		orderID,
	)
}

func (q queries) LiveReservationsByHolder(
	ctx context.Context,
	holderID int64,
	now time.Time,
) ([]domain.Reservation, error) {
	return q.listReservations(ctx, "postgres.queries.LiveReservationsByHolder",
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE holder_id = $1 AND status = 'reserved' AND expires_at > $2
		 ORDER BY created_at DESC, seat_id`,
		holderID, now,
	)
}

func (q queries) ExpiredReservations(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]domain.Reservation, error) {
	return q.listReservations(ctx, "postgres.queries.ExpiredReservations",
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE status = 'reserved' AND order_id IS NULL AND expires_at <= $1
		 ORDER BY expires_at, seat_id
		 LIMIT $2`,
		now, limitArg(limit),
	)
}

// InsertReservation stores a new hold. A second reserved hold on the seat
// hits the partial unique index and comes back as repository.ErrConflict
// without aborting the transaction.
func (q queries) InsertReservation(ctx context.Context, r domain.Reservation) error {
	const op = "postgres.queries.InsertReservation"

	tag, err := q.db.Exec(ctx,
		`INSERT INTO reservations (id, seat_id, holder_id, status, expires_at, order_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		r.ID, r.SeatID, r.HolderID, r.Status, r.ExpiresAt, r.OrderID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrConflict)
	}

	return nil
}

func (q queries) CompareAndSetReservationStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.ReservationStatus,
	now time.Time,
) error {
	const op = "postgres.queries.CompareAndSetReservationStatus"

	tag, err := q.db.Exec(ctx,
		`UPDATE reservations SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2`,
		id, expected, next, now,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, casMiss(ctx, q.db, "reservations", id))
	}

	return nil
}

func (q queries) ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) error {
	const op = "postgres.queries.ExpireReservation"

	tag, err := q.db.Exec(ctx,
		`UPDATE reservations SET status = 'expired', updated_at = $2
		 WHERE id = $1
		   AND status = 'reserved'
		   AND order_id IS NULL
		   AND expires_at <= $2`,
		id, now,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, casMiss(ctx, q.db, "reservations", id))
	}

	return nil
}

// LinkReservations locks the holds first so a partial match changes nothing.
func (q queries) LinkReservations(
	ctx context.Context,
	ids []uuid.UUID,
	orderID uuid.UUID,
	now time.Time,
) error {
	const op = "postgres.queries.LinkReservations"

	keys := uuidStrings(ids)

	var eligible int
	if err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM (
			SELECT id FROM reservations
			WHERE id = ANY($1::uuid[])
			  AND status = 'reserved'
			  AND order_id IS NULL
			  AND expires_at > $2
			ORDER BY id
			FOR UPDATE
		 ) locked`,
		keys, now,
	).Scan(&eligible); err != nil {
		return wrapDBErr(op, err)
	}

	if eligible != len(ids) {
		return wrapDBErr(op, repository.ErrConflict)
	}

	if _, err := q.db.Exec(ctx,
		`UPDATE reservations SET order_id = $2, updated_at = $3
		 WHERE id = ANY($1::uuid[])`,
		keys, orderID, now,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}
