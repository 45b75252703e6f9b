package service

import (
	"log/slog"

	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	redisrepo "github.com/kirinyoku/tix-alloc/internal/repository/redis"
	"github.com/kirinyoku/tix-alloc/internal/service/catalog"
	"github.com/kirinyoku/tix-alloc/internal/service/orders"
	"github.com/kirinyoku/tix-alloc/internal/service/query"
	"github.com/kirinyoku/tix-alloc/internal/service/reaper"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/service/tickets"
)

type Services struct {
	Reservation *reservation.Service
	Orders      *orders.Service
	Tickets     *tickets.Service
	Reaper      *reaper.Service
	Query       *query.Service
	Catalog     *catalog.Service
}

type Config struct {
	Reservation  reservation.Config
	Reaper       reaper.Config
	Tickets      tickets.Config
	Query        query.Config
	TicketSecret []byte
}

// Deps are the optional collaborators. Nil fields turn the matching
// feature off: no cache, no change notifications, no rate limit. A nil
// Issuer makes settlement issue tickets in-process.
type Deps struct {
	Cache    *redisrepo.Cache
	Notifier reservation.Notifier
	Limiter  reservation.Limiter
	Issuer   orders.IssuanceRequester
}

func NewServices(
	store repository.Store,
	clk clock.Clock,
	deps Deps,
	logger *slog.Logger,
	cfg Config,
) *Services {
	if logger == nil {
		logger = slog.Default()
	}

	gen := tickets.NewGenerator(cfg.TicketSecret, clk)
	tix := tickets.New(store, clk, gen, logger, cfg.Tickets)

	issuer := deps.Issuer
	if issuer == nil {
		issuer = tix
	}

	ord := orders.New(store, clk, deps.Notifier, issuer, logger)

	return &Services{
		Reservation: reservation.New(store, clk, deps.Notifier, deps.Limiter, logger, cfg.Reservation),
		Orders:      ord,
		Tickets:     tix,
		Reaper:      reaper.New(store, clk, deps.Notifier, tix, ord, logger, cfg.Reaper),
		Query:       query.New(store, deps.Cache, cfg.Query),
		Catalog:     catalog.New(store, logger),
	}
}
