package domain

import (
	"time"

	"github.com/google/uuid"
)

type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatReserved  SeatStatus = "reserved"
	SeatSold      SeatStatus = "sold"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

type TicketStatus string

const (
	TicketActive    TicketStatus = "active"
	TicketUsed      TicketStatus = "used"
	TicketCancelled TicketStatus = "cancelled"
)

type Role string

const (
	RoleAttendee  Role = "attendee"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

// IsAdmin reports whether the role may settle orders and run maintenance.
func (r Role) IsAdmin() bool { return r == RoleAdmin }

// IsOrganizer reports whether the role may validate tickets at the gate.
// Admins are organizers too.
func (r Role) IsOrganizer() bool { return r == RoleOrganizer || r == RoleAdmin }

type Event struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Venue     string    `json:"venue"`
	StartsAt  time.Time `json:"starts_at"`
	SeatMapID int64     `json:"seat_map_id"`
}

type Seat struct {
	ID         int64      `json:"id"`
	SeatMapID  int64      `json:"seat_map_id"`
	EventID    int64      `json:"event_id"`
	Label      string     `json:"label"`
	Section    string     `json:"section"`
	Row        string     `json:"row"`
	Number     int        `json:"number"`
	PriceCents int64      `json:"price_cents"`
	Status     SeatStatus `json:"status"`
}

// Snapshot freezes the seat attributes printed on a ticket.
func (s Seat) Snapshot() SeatSnapshot {
	return SeatSnapshot{
		Label:      s.Label,
		Section:    s.Section,
		Row:        s.Row,
		Number:     s.Number,
		PriceCents: s.PriceCents,
	}
}

type SeatSnapshot struct {
	Label      string `json:"label"`
	Section    string `json:"section"`
	Row        string `json:"row"`
	Number     int    `json:"number"`
	PriceCents int64  `json:"price_cents"`
}

type Reservation struct {
	ID        uuid.UUID         `json:"id"`
	SeatID    int64             `json:"seat_id"`
	HolderID  int64             `json:"holder_id"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	OrderID   *uuid.UUID        `json:"order_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Live reports whether the hold still blocks its seat at now.
func (r Reservation) Live(now time.Time) bool {
	return r.Status == ReservationReserved && r.ExpiresAt.After(now)
}

// Reapable reports whether the hold may be expired by the reaper at now.
func (r Reservation) Reapable(now time.Time) bool {
	return r.Status == ReservationReserved && r.OrderID == nil && !r.ExpiresAt.After(now)
}

type Order struct {
	ID          uuid.UUID   `json:"id"`
	HolderID    int64       `json:"holder_id"`
	EventID     int64       `json:"event_id"`
	Quantity    int         `json:"quantity"`
	TotalCents  int64       `json:"total_cents"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
}

type OrderWithReservations struct {
	Order        Order         `json:"order"`
	Reservations []Reservation `json:"reservations"`
}

type Ticket struct {
	ID          uuid.UUID    `json:"id"`
	Number      string       `json:"ticket_number"`
	OrderID     uuid.UUID    `json:"order_id"`
	SeatID      int64        `json:"seat_id"`
	EventID     int64        `json:"event_id"`
	HolderID    int64        `json:"holder_id"`
	Status      TicketStatus `json:"status"`
	Seat        SeatSnapshot `json:"seat"`
	IssuedAt    time.Time    `json:"issued_at"`
	UsedAt      *time.Time   `json:"used_at,omitempty"`
	CancelledAt *time.Time   `json:"cancelled_at,omitempty"`
}

// Admission is what a gate sees after a successful validation.
type Admission struct {
	TicketNumber string       `json:"ticket_number"`
	HolderID     int64        `json:"holder_id"`
	EventID      int64        `json:"event_id"`
	EventTitle   string       `json:"event_title"`
	Seat         SeatSnapshot `json:"seat"`
	UsedAt       time.Time    `json:"used_at"`
}

type EventCounts struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Sold      int64 `json:"sold"`
	Total     int64 `json:"total"`
}
