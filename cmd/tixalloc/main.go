package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/kirinyoku/tix-alloc/docs"
	"github.com/kirinyoku/tix-alloc/internal/app"
	"github.com/kirinyoku/tix-alloc/internal/config"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	httpgin "github.com/kirinyoku/tix-alloc/internal/transport/http/gin"
	"github.com/spf13/pflag"
)

// @title TixAlloc API
// @version 1.0
// @description Seat allocation core for an event-ticketing service.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("tixalloc failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, args []string) error {
	var (
		envFile   string
		migrate   bool
		sweepOnce bool
		seedFile  string
		token     string
	)

	flagSet := pflag.NewFlagSet("tixalloc", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")
	flagSet.BoolVar(&migrate, "migrate", false, "apply database migrations on startup")
	flagSet.BoolVar(&sweepOnce, "sweep-once", false, "expire lapsed holds and backfill tickets once, then exit")
	flagSet.StringVar(&seedFile, "seed", "", "create the events in this JSON file, then exit")
	flagSet.StringVar(&token, "token", "", "print a bearer token for HOLDER_ID[:ROLE] and exit")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.New(envFile)
	if err != nil {
		return err
	}

	if token != "" {
		return printToken(cfg.Auth.JWTSecret, token)
	}

	ctx := context.Background()

	application, err := app.New(ctx, cfg, logger, app.Options{Migrate: migrate})
	if err != nil {
		return err
	}

	switch {
	case seedFile != "":
		defer application.Close()
		return seed(ctx, application, seedFile, logger)
	case sweepOnce:
		res, err := application.SweepOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("sweep finished",
			"scanned", res.Scanned,
			"expired", res.Expired,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
		return nil
	}

	return application.Run(ctx)
}

func seed(ctx context.Context, application *app.App, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := application.Services.Catalog.Seed(ctx, f)
	if err != nil {
		return err
	}

	for _, e := range events {
		logger.Info("seeded event", "event_id", e.ID, "title", e.Title)
	}
	return nil
}

func printToken(secret, spec string) error {
	idPart, rolePart, _ := strings.Cut(spec, ":")

	holderID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid holder id %q: %w", idPart, err)
	}

	role := domain.Role(rolePart)
	if role == "" {
		role = domain.RoleAttendee
	}

	t, err := httpgin.SignToken(secret, holderID, role, 24*time.Hour)
	if err != nil {
		return err
	}

	fmt.Println(t)
	return nil
}
