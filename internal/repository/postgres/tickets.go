package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

const ticketColumns = `id, ticket_number, order_id, seat_id, event_id, holder_id, status,
	seat_info, issued_at, used_at, cancelled_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(
		&t.ID, &t.Number, &t.OrderID, &t.SeatID, &t.EventID, &t.HolderID, &t.Status,
		&t.Seat, &t.IssuedAt, &t.UsedAt, &t.CancelledAt,
	)
	return t, err
}

func (q queries) getTicket(ctx context.Context, op, where string, arg any) (domain.Ticket, error) {
	t, err := scanTicket(q.db.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE `+where,
		arg,
	))
	if err != nil {
		return domain.Ticket{}, wrapDBErr(op, err)
	}

	return t, nil
}

func (q queries) listTickets(ctx context.Context, op, sql string, args ...any) ([]domain.Ticket, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanTicket)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (q queries) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return q.getTicket(ctx, "postgres.queries.GetTicket", "id = $1", id)
}

func (q queries) TicketByNumber(ctx context.Context, number string) (domain.Ticket, error) {
	return q.getTicket(ctx, "postgres.queries.TicketByNumber", "ticket_number = $1", number)
}

func (q queries) TicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	return q.listTickets(ctx, "postgres.queries.TicketsByOrder",
		`SELECT `+ticketColumns+`
		 FROM tickets
		 WHERE order_id = $1
		 ORDER BY seat_id`,
		orderID,
	)
}

func (q queries) TicketsByHolder(
	ctx context.Context,
	holderID int64,
	status domain.TicketStatus,
) ([]domain.Ticket, error) {
	return q.listTickets(ctx, "postgres.queries.TicketsByHolder",
		`SELECT `+ticketColumns+`
		 FROM tickets
		 WHERE holder_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY issued_at DESC, seat_id`,
		holderID, string(status),
	)
}

// InsertTicket stores a minted ticket. Unique violations are absorbed with
// ON CONFLICT so the caller can retry inside the same transaction: a second
// ticket for the same order and seat is repository.ErrConflict, anything
// else is a number collision.
func (q queries) InsertTicket(ctx context.Context, t domain.Ticket) error {
	const op = "postgres.queries.InsertTicket"

	tag, err := q.db.Exec(ctx,
		`INSERT INTO tickets (id, ticket_number, order_id, seat_id, event_id, holder_id, status, seat_info, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		t.ID, t.Number, t.OrderID, t.SeatID, t.EventID, t.HolderID, t.Status, t.Seat, t.IssuedAt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	var issued bool
	if err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE order_id = $1 AND seat_id = $2)`,
		t.OrderID, t.SeatID,
	).Scan(&issued); err != nil {
		return wrapDBErr(op, err)
	}

	if issued {
		return wrapDBErr(op, repository.ErrConflict)
	}

	return wrapDBErr(op, repository.ErrTicketNumberTaken)
}

func (q queries) CompareAndSetTicketStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.TicketStatus,
	now time.Time,
) error {
	const op = "postgres.queries.CompareAndSetTicketStatus"

	tag, err := q.db.Exec(ctx,
		`UPDATE tickets SET
			status = $3,
			used_at = CASE WHEN $3 = 'used' THEN $4 ELSE used_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END
		 WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), now,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, casMiss(ctx, q.db, "tickets", id))
	}

	return nil
}
