package httpgin

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	redisrepo "github.com/kirinyoku/tix-alloc/internal/repository/redis"
	"github.com/kirinyoku/tix-alloc/internal/service"
	"github.com/kirinyoku/tix-alloc/internal/service/orders"
	"github.com/kirinyoku/tix-alloc/internal/service/query"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
	"github.com/kirinyoku/tix-alloc/internal/service/tickets"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// SeatChanges delivers seat change notifications until ctx is done or the
// feed fails.
type SeatChanges interface {
	Subscribe(ctx context.Context, handler func(ctx context.Context, msg redisx.SeatsChanged)) error
}

// Deps are what the router needs. Idem and Changes are optional.
type Deps struct {
	Services  *service.Services
	Idem      *redisrepo.IdempotencyStore
	Changes   SeatChanges
	JWTSecret string
}

func NewRouter(
	deps Deps,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	svcs := deps.Services

	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/availability", handleGetAvailability(svcs))
	r.GET("/events/:id/seats", handleListEventSeats(svcs))
	if deps.Changes != nil {
		r.GET("/events/:id/changes", handleEventChanges(deps.Changes, logger))
	}

	api := r.Group("/", AuthMiddleware(deps.JWTSecret))
	{
		api.POST("/reservations", handleClaim(svcs, deps.Idem))
		api.GET("/reservations", handleListReservations(svcs))
		api.DELETE("/reservations/:id", handleRelease(svcs))

		api.POST("/orders", handleCreateOrder(svcs))
		api.GET("/orders", handleListOrders(svcs))
		api.GET("/orders/:id", handleGetOrder(svcs))
		api.DELETE("/orders/:id", handleCancelOrder(svcs))
		api.GET("/orders/:id/tickets", handleListOrderTickets(svcs))

		api.GET("/tickets", handleListTickets(svcs))
		api.GET("/tickets/:id", handleGetTicket(svcs))
		api.GET("/tickets/:id/qr", handleTicketQR(svcs))
		api.DELETE("/tickets/:id", handleCancelTicket(svcs))

		organizer := RequireRole(domain.Role.IsOrganizer)
		api.POST("/tickets/validate/:number", organizer, handleValidateTicket(svcs))

		admin := RequireRole(domain.Role.IsAdmin)
		api.POST("/orders/:id/settle", admin, handleSettleOrder(svcs))
		api.POST("/orders/:id/tickets", admin, handleIssueTickets(svcs))
		api.POST("/admin/sweep", admin, handleSweep(svcs))
	}

	return r
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func mustHolder(c *gin.Context) (int64, bool) {
	id, err := holderOf(c)
	if err != nil {
		abort(c, http.StatusUnauthorized, "unauthenticated")
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var (
		unavailable reservation.SeatUnavailableError
		duplicates  reservation.DuplicateSeatsError
		limited     reservation.RateLimitedError
		invalid     orders.InvalidReservationError
	)

	switch {
	// reservation engine
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "seats unavailable", SeatIDs: unavailable.SeatIDs})
	case errors.As(err, &duplicates):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "duplicate seat ids", SeatIDs: duplicates.SeatIDs})
	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.Is(err, reservation.ErrNoSeats):
		badRequest(c, "no seats selected")
	case errors.Is(err, reservation.ErrInvalidSeatID):
		badRequest(c, "invalid seat id")
	case errors.Is(err, reservation.ErrTooManySeats):
		badRequest(c, "too many seats in one claim")
	case errors.Is(err, reservation.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reservation not found"})
	// order assembler
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:          "invalid reservations: " + invalid.Reason,
			ReservationIDs: invalid.ReservationIDs,
		})
	case errors.Is(err, orders.ErrNoReservations):
		badRequest(c, "no reservations selected")
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, tickets.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "order not found"})
	case errors.Is(err, orders.ErrOrderNotPending):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "order is not pending"})
	// ticket issuer
	case errors.Is(err, tickets.ErrOrderNotPaid):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "order is not paid"})
	case errors.Is(err, tickets.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket not found"})
	case errors.Is(err, tickets.ErrInvalidTicket):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "invalid ticket"})
	case errors.Is(err, tickets.ErrEventPassed):
		c.JSON(http.StatusGone, ErrorResponse{Error: "event has already started"})
	// query service
	case errors.Is(err, query.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
