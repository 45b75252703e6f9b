package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Server      ServerConfig
	Store       string
	Postgres    PostgresConfig
	Redis       RedisConfig
	AMQP        AMQPConfig
	Auth        AuthConfig
	Reservation ReservationConfig
	RateLimit   RateLimitConfig
	Reaper      ReaperConfig
	Tickets     TicketsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int
}

// RedisConfig with an empty Addr disables caching, change notifications,
// rate limiting and idempotency keys.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AMQPConfig with an empty URL makes settlement issue tickets in-process.
type AMQPConfig struct {
	URL      string
	Prefetch int
}

type AuthConfig struct {
	JWTSecret string
}

type ReservationConfig struct {
	HoldTTL          time.Duration
	MaxSeatsPerClaim int
	IdempotencyTTL   time.Duration
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type ReaperConfig struct {
	Interval        time.Duration
	BatchSize       int
	BackfillLimit   int
	PendingOrderTTL time.Duration
}

type TicketsConfig struct {
	Secret string
	QRSize int
}

// New loads configuration from the environment. Values in envFile, or in
// ./.env when envFile is empty, are loaded first without overriding
// variables that are already set.
func New(envFile string) (*Config, error) {
	const op = "config.New"

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var p parser

	cfg := &Config{
		Server: ServerConfig{
			Host:            envStr("SERVER_HOST", "localhost"),
			Port:            p.int("SERVER_PORT", 8080),
			ShutdownTimeout: p.dur("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Store: envStr("STORE_DRIVER", StorePostgres),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       p.int("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Prefetch: p.int("AMQP_PREFETCH", 16),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Reservation: ReservationConfig{
			HoldTTL:          p.dur("HOLD_TTL", 15*time.Minute),
			MaxSeatsPerClaim: p.int("MAX_SEATS_PER_CLAIM", 10),
			IdempotencyTTL:   p.dur("IDEMPOTENCY_TTL", 2*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Limit:  p.int("CLAIM_RATE_LIMIT", 10),
			Window: p.dur("CLAIM_RATE_WINDOW", time.Minute),
		},
		Reaper: ReaperConfig{
			Interval:        p.dur("REAPER_INTERVAL", time.Minute),
			BatchSize:       p.int("REAPER_BATCH_SIZE", 500),
			BackfillLimit:   p.int("TICKET_BACKFILL_LIMIT", 100),
			PendingOrderTTL: p.dur("ORDER_PENDING_TTL", 24*time.Hour),
		},
		Tickets: TicketsConfig{
			Secret: os.Getenv("TICKET_SECRET"),
			QRSize: p.int("TICKET_QR_SIZE", 256),
		},
	}

	if p.err != nil {
		return nil, fmt.Errorf("%s: %w", op, p.err)
	}

	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		pg, err := postgresFromEnv()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cfg.Postgres = pg
	default:
		return nil, fmt.Errorf("%s: unknown STORE_DRIVER %q", op, cfg.Store)
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("%s: missing JWT_SECRET", op)
	}

	if cfg.Tickets.Secret == "" {
		return nil, fmt.Errorf("%s: missing TICKET_SECRET", op)
	}

	return cfg, nil
}

func postgresFromEnv() (PostgresConfig, error) {
	var p parser

	cfg := PostgresConfig{
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Name:     os.Getenv("POSTGRES_DB"),
		Host:     envStr("POSTGRES_HOST", "localhost"),
		Port:     p.int("POSTGRES_PORT", 5432),
		SSLMode:  envStr("POSTGRES_SSLMODE", "disable"),
		MaxConns: p.int("POSTGRES_MAX_CONNS", 0),
	}

	if p.err != nil {
		return PostgresConfig{}, p.err
	}

	switch {
	case cfg.User == "":
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_USER")
	case cfg.Password == "":
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_PASSWORD")
	case cfg.Name == "":
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_DB")
	}

	return cfg, nil
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// parser keeps the first malformed value it sees.
type parser struct {
	err error
}

func (p *parser) int(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(k, err)
		return d
	}
	return n
}

func (p *parser) dur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}

	dur, err := time.ParseDuration(v)
	if err != nil {
		p.fail(k, err)
		return d
	}
	return dur
}

func (p *parser) fail(k string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", k, err)
	}
}
