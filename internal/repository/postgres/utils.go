package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-alloc/internal/repository"
)

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// casMiss explains why a conditional update touched no rows: the row is
// either gone or in another state.
func casMiss(ctx context.Context, db DB, table string, id any) error {
	var exists bool
	if err := db.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table),
		id,
	).Scan(&exists); err != nil {
		return translateDBErr(err)
	}

	if !exists {
		return repository.ErrNotFound
	}

	return repository.ErrConflict
}

func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
