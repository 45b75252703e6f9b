package uow

import (
	"context"

	"github.com/kirinyoku/tix-alloc/internal/repository"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// UoW represents a unit of work.
type UoW struct {
	store repository.Store
}

func New(store repository.Store) *UoW {
	return &UoW{store: store}
}

// Do runs fn inside a transaction. After a successful commit it executes all
// after-commit hooks registered by the last attempt, detached from ctx
// cancellation so a dropped request still invalidates caches.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Tx, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		// the store may retry fn; only the committed attempt's hooks count
		hooks = hooks[:0]
		return fn(ctx, tx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		h(hookCtx)
	}

	return nil
}

// View runs fn against a read-only view of the store.
func (u *UoW) View(
	ctx context.Context,
	fn func(ctx context.Context, r repository.Reader) error,
) error {
	return u.store.View(ctx, fn)
}
