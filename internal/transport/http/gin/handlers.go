package httpgin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	redisrepo "github.com/kirinyoku/tix-alloc/internal/repository/redis"
	"github.com/kirinyoku/tix-alloc/internal/service"
	"github.com/kirinyoku/tix-alloc/internal/service/reservation"
)

const idemLockTTL = 60 * time.Second

// @Summary  Get event
// @Tags     events
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.Event
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, e, time.Minute)
	}
}

// @Summary  Get availability counters
// @Tags     events
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.EventCounts
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		cnt, err := svcs.Query.Counts(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, cnt, 15*time.Second)
	}
}

// @Summary  List event seats
// @Description Available seats by default; pass all=true for every seat.
// @Tags     events
// @Param    id     path   int   true  "Event ID"
// @Param    all    query  bool  false "include reserved and sold seats"
// @Param    limit  query  int   false "page size"
// @Param    offset query  int   false "offset"
// @Success  200  {array}   domain.Seat
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id}/seats [get]
func handleListEventSeats(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		onlyAvailable := c.Query("all") != "true"
		limit := parseIntDefault(c.Query("limit"), 0)
		offset := parseIntDefault(c.Query("offset"), 0)

		seats, err := svcs.Query.ListEventSeats(c.Request.Context(), eventID, onlyAvailable, limit, offset)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeCachedJSON(c, seats, 15*time.Second)
	}
}

// @Summary  Stream seat changes (server-sent events)
// @Tags     events
// @Param    id  path  int  true  "Event ID"
// @Produce  text/event-stream
// @Router   /events/{id}/changes [get]
func handleEventChanges(feed SeatChanges, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		ctx := c.Request.Context()
		changes := make(chan redisx.SeatsChanged, 16)
		errc := make(chan error, 1)
		go func() {
			errc <- feed.Subscribe(ctx, func(_ context.Context, msg redisx.SeatsChanged) {
				if msg.EventID != eventID {
					return
				}
				select {
				case changes <- msg:
				default:
				}
			})
		}()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-changes:
				c.SSEvent("seats_changed", msg)
				c.Writer.Flush()
			case err := <-errc:
				if ctx.Err() != nil {
					return
				}
				for len(changes) > 0 {
					c.SSEvent("seats_changed", <-changes)
				}
				if err != nil {
					logger.Error("seat change feed failed", "event_id", eventID, "error", err)
				}
				c.SSEvent("error", ErrorResponse{Error: "seat change feed unavailable"})
				c.Writer.Flush()
				return
			}
		}
	}
}

// @Summary  Claim seats
// @Description Holds every seat or none. Repeating a request with the same Idempotency-Key replays the first response.
// @Tags     reservations
// @Security BearerAuth
// @Param    req body  ClaimRequest true "payload"
// @Param    Idempotency-Key header string false "client request key"
// @Success  201 {object} ClaimResponse
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "seats unavailable / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /reservations [post]
func handleClaim(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		var req ClaimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisx.KeyIdemClaim(holderID, idemKey)

			if replayed := replayClaim(c, idem, idemStorageKey, idemKey); replayed {
				return
			}

			locked, err := idem.AcquireLock(ctx, idemStorageKey, idemLockTTL)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if replayed := replayClaim(c, idem, idemStorageKey, idemKey); replayed {
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		held, err := svcs.Reservation.Claim(ctx, reservation.ClaimRequest{
			HolderID:     holderID,
			SeatIDs:      req.SeatIDs,
			RateLimitKey: "holder:" + strconv.FormatInt(holderID, 10),
		})
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(ctx, idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := ClaimResponse{Reservations: held, ExpiresAt: held[0].ExpiresAt}

		if idemStorageKey != "" {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(ctx, idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func replayClaim(c *gin.Context, idem *redisrepo.IdempotencyStore, storageKey, idemKey string) bool {
	payload, ok, _ := idem.GetResult(c.Request.Context(), storageKey)
	if !ok {
		return false
	}
	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
	return true
}

// @Summary  List live reservations
// @Tags     reservations
// @Security BearerAuth
// @Success  200 {array} domain.Reservation
// @Router   /reservations [get]
func handleListReservations(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		res, err := svcs.Reservation.ListLive(c.Request.Context(), holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Release a reservation
// @Tags     reservations
// @Security BearerAuth
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [delete]
func handleRelease(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		res, err := svcs.Reservation.Release(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Create orders from live reservations
// @Description One pending order is created per event.
// @Tags     orders
// @Security BearerAuth
// @Param    req body  CreateOrderRequest true "payload"
// @Success  201 {object} CreateOrderResponse
// @Failure  422 {object} ErrorResponse
// @Router   /orders [post]
func handleCreateOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		created, err := svcs.Orders.CreateOrder(c.Request.Context(), req.ReservationIDs, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateOrderResponse{Orders: created})
	}
}

// @Summary  List orders
// @Tags     orders
// @Security BearerAuth
// @Success  200 {array} domain.Order
// @Router   /orders [get]
func handleListOrders(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		out, err := svcs.Orders.ListByHolder(c.Request.Context(), holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Get order with reservations
// @Tags     orders
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {object} domain.OrderWithReservations
// @Failure  404 {object} ErrorResponse
// @Router   /orders/{id} [get]
func handleGetOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		o, err := svcs.Orders.Get(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary  Cancel a pending order
// @Tags     orders
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {object} domain.Order
// @Failure  404 {object} ErrorResponse
// @Router   /orders/{id} [delete]
func handleCancelOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		o, err := svcs.Orders.Cancel(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary  Settle a paid order
// @Description Called by the payment collaborator. Settling twice is a no-op.
// @Tags     orders
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {object} domain.Order
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse
// @Router   /orders/{id}/settle [post]
func handleSettleOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		o, err := svcs.Orders.Settle(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary  Issue tickets for a paid order
// @Tags     tickets
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {array} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse
// @Router   /orders/{id}/tickets [post]
func handleIssueTickets(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		out, err := svcs.Tickets.Issue(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  List an order's tickets
// @Tags     tickets
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {array} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Router   /orders/{id}/tickets [get]
func handleListOrderTickets(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		out, err := svcs.Tickets.ListByOrder(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  List active tickets
// @Tags     tickets
// @Security BearerAuth
// @Success  200 {array} domain.Ticket
// @Router   /tickets [get]
func handleListTickets(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		out, err := svcs.Tickets.ListByHolder(c.Request.Context(), holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Get ticket
// @Tags     tickets
// @Security BearerAuth
// @Param    id  path  string  true  "Ticket ID (uuid)"
// @Success  200 {object} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Router   /tickets/{id} [get]
func handleGetTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		t, err := svcs.Tickets.Get(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Ticket QR code
// @Tags     tickets
// @Security BearerAuth
// @Param    id  path  string  true  "Ticket ID (uuid)"
// @Produce  png
// @Success  200 {file} binary
// @Failure  404 {object} ErrorResponse
// @Router   /tickets/{id}/qr [get]
func handleTicketQR(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		png, err := svcs.Tickets.QRCode(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.Header("Cache-Control", "private, no-store")
		c.Data(http.StatusOK, "image/png", png)
	}
}

// @Summary  Cancel a ticket before the event
// @Tags     tickets
// @Security BearerAuth
// @Param    id  path  string  true  "Ticket ID (uuid)"
// @Success  200 {object} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Failure  410 {object} ErrorResponse
// @Router   /tickets/{id} [delete]
func handleCancelTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		holderID, ok := mustHolder(c)
		if !ok {
			return
		}
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		t, err := svcs.Tickets.Cancel(c.Request.Context(), id, holderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Validate a ticket at the gate
// @Tags     tickets
// @Security BearerAuth
// @Param    number  path  string  true  "Ticket number"
// @Success  200 {object} domain.Admission
// @Failure  404 {object} ErrorResponse
// @Failure  410 {object} ErrorResponse
// @Router   /tickets/validate/{number} [post]
func handleValidateTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		adm, err := svcs.Tickets.Validate(c.Request.Context(), c.Param("number"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, adm)
	}
}

// @Summary  Expire lapsed reservations now
// @Tags     admin
// @Security BearerAuth
// @Success  200 {object} reaper.SweepResult
// @Router   /admin/sweep [post]
func handleSweep(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svcs.Reaper.SweepExpired(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
