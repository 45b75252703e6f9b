package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/config"
	"github.com/kirinyoku/tix-alloc/internal/postgres"
	"github.com/kirinyoku/tix-alloc/internal/queue"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	"github.com/kirinyoku/tix-alloc/internal/repository"
	"github.com/kirinyoku/tix-alloc/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/tix-alloc/internal/repository/postgres"
	"github.com/kirinyoku/tix-alloc/internal/repository/postgres/migrations"
	redisrepo "github.com/kirinyoku/tix-alloc/internal/repository/redis"
	"github.com/kirinyoku/tix-alloc/internal/service"
	"github.com/kirinyoku/tix-alloc/internal/service/query"
	"github.com/kirinyoku/tix-alloc/internal/service/reaper"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/service/tickets"
	httpgin "github.com/kirinyoku/tix-alloc/internal/transport/http/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	Services   *service.Services
	httpServer *http.Server
	consumer   *queue.Consumer

	closers []func()
}

type Options struct {
	// Migrate applies pending schema migrations before anything else.
	Migrate bool
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	const op = "app.New"

	a := &App{cfg: cfg, logger: logger}

	store, err := a.openStore(ctx, opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	deps := service.Deps{}
	routerDeps := httpgin.Deps{JWTSecret: cfg.Auth.JWTSecret}

	if cfg.Redis.Addr != "" {
		rdb, err := redisx.New(ctx, redisx.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		a.wireRedis(rdb, &deps, &routerDeps)
	} else {
		logger.Warn("REDIS_ADDR not set; cache, rate limit and idempotency keys are off")
	}

	var publisher *queue.Publisher
	if cfg.AMQP.URL != "" {
		publisher = queue.NewPublisher(cfg.AMQP.URL, logger)
		a.closers = append(a.closers, func() { _ = publisher.Close() })
		a.consumer = queue.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Prefetch, logger)
		deps.Issuer = publisher
	}

	clk := clock.NewSystem()

	a.Services = service.NewServices(store, clk, deps, logger, service.Config{
		Reservation: reservation.Config{
			HoldTTL:          cfg.Reservation.HoldTTL,
			MaxSeatsPerClaim: cfg.Reservation.MaxSeatsPerClaim,
		},
		Reaper: reaper.Config{
			Interval:        cfg.Reaper.Interval,
			BatchSize:       cfg.Reaper.BatchSize,
			BackfillLimit:   cfg.Reaper.BackfillLimit,
			PendingOrderTTL: cfg.Reaper.PendingOrderTTL,
		},
		Tickets:      tickets.Config{QRSize: cfg.Tickets.QRSize},
		Query:        query.Config{},
		TicketSecret: []byte(cfg.Tickets.Secret),
	})

	routerDeps.Services = a.Services
	router := httpgin.NewRouter(routerDeps, logger)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context, opts Options) (repository.Store, error) {
	if a.cfg.Store == config.StoreMemory {
		a.logger.Warn("using the in-memory store; state is lost on exit")
		return memory.New(), nil
	}

	pg := a.cfg.Postgres
	pool, err := postgres.New(ctx, postgres.Config{
		User:     pg.User,
		Password: pg.Password,
		Host:     pg.Host,
		Port:     pg.Port,
		Name:     pg.Name,
		SSLMode:  pg.SSLMode,
		MaxConns: int32(pg.MaxConns),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)

	if opts.Migrate {
		if err := a.migrate(ctx, pool); err != nil {
			return nil, err
		}
	}

	return postgresrepo.NewStore(pool), nil
}

func (a *App) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	a.logger.Info("applying migrations")
	return migrations.Apply(ctx, pool)
}

func (a *App) wireRedis(rdb *redis.Client, deps *service.Deps, routerDeps *httpgin.Deps) {
	cache := redisrepo.New(rdb)
	pubsub := redisx.NewSeatsPubSub(rdb)

	deps.Cache = cache
	deps.Notifier = redisrepo.NewEventNotifier(cache, pubsub, a.logger)
	deps.Limiter = redisrepo.NewSlidingWindowLimiter(
		rdb,
		clock.NewSystem(),
		"claims",
		a.cfg.RateLimit.Limit,
		a.cfg.RateLimit.Window,
	)

	routerDeps.Idem = redisrepo.NewIdempotencyStore(rdb, a.cfg.Reservation.IdempotencyTTL)
	routerDeps.Changes = pubsub
}

// Run serves HTTP and runs the reaper and, with a broker configured, the
// issuance consumer until SIGINT/SIGTERM or the first failure.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Services.Reaper.Run(gCtx)
	})

	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gCtx, func(ctx context.Context, job queue.IssuanceJob) error {
				_, err := a.Services.Tickets.Issue(ctx, job.OrderID)
				return err
			})
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// SweepOnce runs a single expiry sweep, stale order cleanup and ticket
// backfill, then closes the app. It is meant for cron-style deployments.
func (a *App) SweepOnce(ctx context.Context) (reaper.SweepResult, error) {
	defer a.Close()

	res, err := a.Services.Reaper.SweepExpired(ctx)
	if err != nil {
		return res, err
	}

	cancelled, err := a.Services.Reaper.CancelStaleOrders(ctx)
	if err != nil {
		return res, err
	}
	if cancelled > 0 {
		a.logger.Info("stale orders cancelled", "orders", cancelled)
	}

	n, err := a.Services.Tickets.Backfill(ctx, a.cfg.Reaper.BackfillLimit)
	if err != nil {
		return res, err
	}
	if n > 0 {
		a.logger.Info("ticket backfill issued", "orders", n)
	}

	return res, nil
}

// Close releases connections in reverse order of opening. It is safe to
// call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
