package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/domain"
)

const orderColumns = `id, holder_id, event_id, quantity, total_cents, status, created_at, paid_at, cancelled_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.HolderID, &o.EventID, &o.Quantity, &o.TotalCents,
		&o.Status, &o.CreatedAt, &o.PaidAt, &o.CancelledAt,
	)
	return o, err
}

// GetOrder retrieves an order by its ID.
//
// Returns:
//   - error: repository.ErrNotFound if the order is not found.
func (q queries) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	const op = "postgres.queries.GetOrder"

	o, err := scanOrder(q.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		return domain.Order{}, wrapDBErr(op, err)
	}

	return o, nil
}

func (q queries) OrdersByHolder(ctx context.Context, holderID int64) ([]domain.Order, error) {
	const op = "postgres.queries.OrdersByHolder"

	rows, err := q.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE holder_id = $1
		 ORDER BY created_at DESC, event_id`,
		holderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, scanOrder)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (q queries) PaidOrdersWithoutTickets(ctx context.Context, limit int) ([]uuid.UUID, error) {
	const op = "postgres.queries.PaidOrdersWithoutTickets"

	rows, err := q.db.Query(ctx,
		`SELECT o.id
		 FROM orders o
		 WHERE o.status = 'paid'
		   AND EXISTS (
			SELECT 1 FROM reservations r
			WHERE r.order_id = o.id
			  AND r.status = 'confirmed'
			  AND NOT EXISTS (
				SELECT 1 FROM tickets t
				WHERE t.order_id = o.id AND t.seat_id = r.seat_id
			  )
		   )
		 ORDER BY o.paid_at, o.id
		 LIMIT $1`,
		limitArg(limit),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, func(row pgx.Row) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (q queries) StalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	const op = "postgres.queries.StalePendingOrders"

	rows, err := q.db.Query(ctx,
		`SELECT id
		 FROM orders
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		createdBefore, limitArg(limit),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collect(rows, func(row pgx.Row) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (q queries) InsertOrder(ctx context.Context, o domain.Order) error {
	const op = "postgres.queries.InsertOrder"

	if _, err := q.db.Exec(ctx,
		`INSERT INTO orders (id, holder_id, event_id, quantity, total_cents, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.HolderID, o.EventID, o.Quantity, o.TotalCents, o.Status, o.CreatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (q queries) CompareAndSetOrderStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.OrderStatus,
	now time.Time,
) error {
	const op = "postgres.queries.CompareAndSetOrderStatus"

	tag, err := q.db.Exec(ctx,
		`UPDATE orders SET
			status = $3,
			paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END
		 WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), now,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, casMiss(ctx, q.db, "orders", id))
	}

	return nil
}
