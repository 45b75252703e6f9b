package httpgin

import (
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-alloc/internal/domain"
)

type ClaimRequest struct {
	SeatIDs []int64 `json:"seat_ids" binding:"required,min=1"`
}

type ClaimResponse struct {
	Reservations []domain.Reservation `json:"reservations"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

type CreateOrderRequest struct {
	ReservationIDs []uuid.UUID `json:"reservation_ids" binding:"required,min=1"`
}

type CreateOrderResponse struct {
	Orders []domain.Order `json:"orders"`
}

type ErrorResponse struct {
	Error          string      `json:"error"`
	SeatIDs        []int64     `json:"seat_ids,omitempty"`
	ReservationIDs []uuid.UUID `json:"reservation_ids,omitempty"`
}
