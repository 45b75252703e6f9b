package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kirinyoku/tix-alloc/internal/config"
	"github.com/kirinyoku/tix-alloc/internal/service/catalog"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second},
		Store:  config.StoreMemory,
		Auth:   config.AuthConfig{JWTSecret: "jwt"},
		Reservation: config.ReservationConfig{
			HoldTTL:          time.Millisecond,
			MaxSeatsPerClaim: 4,
		},
		Reaper:  config.ReaperConfig{Interval: time.Minute, BatchSize: 10, BackfillLimit: 10},
		Tickets: config.TicketsConfig{Secret: "tickets"},
	}
}

func TestNew_MemoryStoreWithoutBrokers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	a, err := New(ctx, memoryConfig(), logger, Options{})
	require.NoError(t, err)
	require.NotNil(t, a.Services)
	assert.Nil(t, a.consumer)

	_, _, err = a.Services.Catalog.CreateEvent(ctx, catalog.EventSpec{
		Title:    "Late show",
		StartsAt: time.Now().Add(24 * time.Hour),
		Seats:    []catalog.SeatSpec{{ID: 1, Section: "A", Row: "1", Number: 1, PriceCents: 10}},
	})
	require.NoError(t, err)

	_, err = a.Services.Reservation.Claim(ctx, reservation.ClaimRequest{HolderID: 1, SeatIDs: []int64{1}})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	res, err := a.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
}
