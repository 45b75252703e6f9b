package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/domain"
	redisx "github.com/kirinyoku/tix-alloc/internal/redis"
	"github.com/kirinyoku/tix-alloc/internal/repository/memory"
	"github.com/kirinyoku/tix-alloc/internal/service"
	"github.com/kirinyoku/tix-alloc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

type apiClient struct {
	t       *testing.T
	handler http.Handler
	clock   *clock.Manual
}

func newAPI(t *testing.T) apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	clk := clock.NewManual(testutil.Epoch)
	testutil.SeedEvent(t, store, 1,
		testutil.Seat{ID: 101, PriceCents: 50},
		testutil.Seat{ID: 102, PriceCents: 60},
		testutil.Seat{ID: 103, PriceCents: 70},
	)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svcs := service.NewServices(store, clk, service.Deps{}, logger, service.Config{
		TicketSecret: []byte("ticket-secret"),
	})

	return apiClient{
		t:       t,
		handler: NewRouter(Deps{Services: svcs, JWTSecret: testSecret}, logger),
		clock:   clk,
	}
}

func (a apiClient) token(holderID int64, role domain.Role) string {
	a.t.Helper()

	tok, err := SignToken(testSecret, holderID, role, time.Hour)
	require.NoError(a.t, err)
	return tok
}

func (a apiClient) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()

	var r io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	default:
		b, err := json.Marshal(v)
		require.NoError(a.t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	api := newAPI(t)

	w := api.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestEvents(t *testing.T) {
	api := newAPI(t)

	t.Run("get", func(t *testing.T) {
		w := api.do(http.MethodGet, "/events/1", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("ETag"))
		assert.Equal(t, "Fixture event", decode[domain.Event](t, w).Title)
	})

	t.Run("unknown", func(t *testing.T) {
		w := api.do(http.MethodGet, "/events/99", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		w := api.do(http.MethodGet, "/events/abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not modified", func(t *testing.T) {
		first := api.do(http.MethodGet, "/events/1/availability", "", nil)
		require.Equal(t, http.StatusOK, first.Code)

		req := httptest.NewRequest(http.MethodGet, "/events/1/availability", nil)
		req.Header.Set("If-None-Match", first.Header().Get("ETag"))
		w := httptest.NewRecorder()
		api.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotModified, w.Code)
	})
}

func TestAuth(t *testing.T) {
	api := newAPI(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "no token", token: "", want: http.StatusUnauthorized},
		{name: "garbage", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "valid", token: api.token(1, domain.RoleAttendee), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(http.MethodGet, "/reservations", tt.token, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("other secret", func(t *testing.T) {
		tok, err := SignToken("someone-else", 1, domain.RoleAdmin, time.Hour)
		require.NoError(t, err)

		w := api.do(http.MethodGet, "/reservations", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestClaimConflict(t *testing.T) {
	api := newAPI(t)
	alice, bob := api.token(1, domain.RoleAttendee), api.token(2, domain.RoleAttendee)

	w := api.do(http.MethodPost, "/reservations", alice, ClaimRequest{SeatIDs: []int64{101, 102}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	claimed := decode[ClaimResponse](t, w)
	assert.Len(t, claimed.Reservations, 2)

	w = api.do(http.MethodPost, "/reservations", bob, ClaimRequest{SeatIDs: []int64{102, 103}})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []int64{102}, decode[ErrorResponse](t, w).SeatIDs)

	w = api.do(http.MethodPost, "/reservations", bob, ClaimRequest{SeatIDs: []int64{103, 103}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPost, "/reservations", bob, `{"seat_ids":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodGet, "/reservations", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]domain.Reservation](t, w))
}

func TestRelease(t *testing.T) {
	api := newAPI(t)
	alice, bob := api.token(1, domain.RoleAttendee), api.token(2, domain.RoleAttendee)

	w := api.do(http.MethodPost, "/reservations", alice, ClaimRequest{SeatIDs: []int64{101}})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[ClaimResponse](t, w).Reservations[0].ID

	w = api.do(http.MethodDelete, "/reservations/"+id.String(), bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(http.MethodDelete, "/reservations/not-a-uuid", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodDelete, "/reservations/"+id.String(), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ReservationCancelled, decode[domain.Reservation](t, w).Status)

	w = api.do(http.MethodPost, "/reservations", bob, ClaimRequest{SeatIDs: []int64{101}})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPurchaseFlow(t *testing.T) {
	api := newAPI(t)
	alice := api.token(1, domain.RoleAttendee)
	admin := api.token(99, domain.RoleAdmin)
	gate := api.token(50, domain.RoleOrganizer)

	w := api.do(http.MethodPost, "/reservations", alice, ClaimRequest{SeatIDs: []int64{101, 102}})
	require.Equal(t, http.StatusCreated, w.Code)
	claimed := decode[ClaimResponse](t, w)

	ids := make([]uuid.UUID, 0, len(claimed.Reservations))
	for _, r := range claimed.Reservations {
		ids = append(ids, r.ID)
	}

	w = api.do(http.MethodPost, "/orders", alice, CreateOrderRequest{ReservationIDs: ids})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[CreateOrderResponse](t, w)
	require.Len(t, created.Orders, 1)
	order := created.Orders[0]
	assert.Equal(t, int64(110), order.TotalCents)

	w = api.do(http.MethodPost, "/orders", alice, CreateOrderRequest{ReservationIDs: ids})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	settle := "/orders/" + order.ID.String() + "/settle"

	t.Run("settle needs admin", func(t *testing.T) {
		w := api.do(http.MethodPost, settle, alice, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = api.do(http.MethodPost, settle, gate, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	w = api.do(http.MethodPost, settle, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.OrderPaid, decode[domain.Order](t, w).Status)

	w = api.do(http.MethodPost, settle, admin, nil)
	assert.Equal(t, http.StatusOK, w.Code, "settle is idempotent")

	// tickets were issued in-process on settlement
	w = api.do(http.MethodGet, "/tickets", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	issued := decode[[]domain.Ticket](t, w)
	require.Len(t, issued, 2)

	w = api.do(http.MethodGet, "/orders/"+order.ID.String()+"/tickets", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Ticket](t, w), 2)

	t.Run("qr code", func(t *testing.T) {
		w := api.do(http.MethodGet, "/tickets/"+issued[0].ID.String()+"/qr", alice, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

		w = api.do(http.MethodGet, "/tickets/"+issued[0].ID.String()+"/qr", gate, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	validate := "/tickets/validate/" + issued[0].Number

	t.Run("validate needs organizer", func(t *testing.T) {
		w := api.do(http.MethodPost, validate, alice, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	w = api.do(http.MethodPost, validate, gate, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	adm := decode[domain.Admission](t, w)
	assert.Equal(t, int64(1), adm.HolderID)

	w = api.do(http.MethodPost, validate, gate, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "second admission is refused")

	t.Run("cancel after the event started", func(t *testing.T) {
		api.clock.Advance(8 * 24 * time.Hour)

		w := api.do(http.MethodDelete, "/tickets/"+issued[1].ID.String(), alice, nil)
		assert.Equal(t, http.StatusGone, w.Code)
	})
}

func TestCancelOrder(t *testing.T) {
	api := newAPI(t)
	alice := api.token(1, domain.RoleAttendee)
	admin := api.token(99, domain.RoleAdmin)

	w := api.do(http.MethodPost, "/reservations", alice, ClaimRequest{SeatIDs: []int64{103}})
	require.Equal(t, http.StatusCreated, w.Code)
	resID := decode[ClaimResponse](t, w).Reservations[0].ID

	w = api.do(http.MethodPost, "/orders", alice, CreateOrderRequest{ReservationIDs: []uuid.UUID{resID}})
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decode[CreateOrderResponse](t, w).Orders[0].ID.String()

	w = api.do(http.MethodDelete, "/orders/"+orderID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OrderCancelled, decode[domain.Order](t, w).Status)

	w = api.do(http.MethodPost, "/orders/"+orderID+"/settle", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodGet, "/events/1/seats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Seat](t, w), 3)
}

func TestSweep(t *testing.T) {
	api := newAPI(t)
	alice := api.token(1, domain.RoleAttendee)
	admin := api.token(99, domain.RoleAdmin)

	w := api.do(http.MethodPost, "/reservations", alice, ClaimRequest{SeatIDs: []int64{101}})
	require.Equal(t, http.StatusCreated, w.Code)

	api.clock.Advance(time.Hour)

	w = api.do(http.MethodPost, "/admin/sweep", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(http.MethodPost, "/admin/sweep", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scanned":1,"expired":1,"skipped":0,"failed":0}`, w.Body.String())
}

// feedFunc adapts a function to SeatChanges.
type feedFunc func(ctx context.Context, handler func(context.Context, redisx.SeatsChanged)) error

func (f feedFunc) Subscribe(ctx context.Context, handler func(context.Context, redisx.SeatsChanged)) error {
	return f(ctx, handler)
}

func streamChanges(t *testing.T, feed SeatChanges) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svcs := service.NewServices(memory.New(), clock.NewManual(testutil.Epoch), service.Deps{}, logger, service.Config{
		TicketSecret: []byte("ticket-secret"),
	})
	router := NewRouter(Deps{Services: svcs, JWTSecret: testSecret, Changes: feed}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/1/changes", nil).WithContext(ctx))
	require.NoError(t, ctx.Err(), "stream did not end")

	return w
}

func TestEventChanges(t *testing.T) {
	t.Run("feed failure ends the stream", func(t *testing.T) {
		w := streamChanges(t, feedFunc(func(context.Context, func(context.Context, redisx.SeatsChanged)) error {
			return errors.New("connection refused")
		}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "event:error")
		assert.Contains(t, w.Body.String(), "seat change feed unavailable")
	})

	t.Run("only the requested event is streamed", func(t *testing.T) {
		w := streamChanges(t, feedFunc(func(ctx context.Context, handler func(context.Context, redisx.SeatsChanged)) error {
			handler(ctx, redisx.SeatsChanged{Type: "seats_changed", EventID: 2})
			handler(ctx, redisx.SeatsChanged{Type: "seats_changed", EventID: 1})
			return errors.New("subscription closed")
		}))

		body := w.Body.String()
		assert.Equal(t, 1, strings.Count(body, "event:seats_changed"))
		assert.Contains(t, body, `"event_id":1`)
		assert.NotContains(t, body, `"event_id":2`)
	})
}
