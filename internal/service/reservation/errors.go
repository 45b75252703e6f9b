package reservation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSeatUnavailable = errors.New("seat unavailable")
	ErrNotFound        = errors.New("reservation not found")
	ErrNoSeats         = errors.New("no seats selected")
	ErrDuplicateSeats  = errors.New("duplicate seat ids")
	ErrInvalidSeatID   = errors.New("invalid seat id")
	ErrTooManySeats    = errors.New("too many seats in one claim")
	ErrRateLimited     = errors.New("rate limited")
)

// SeatUnavailableError lists every requested seat that could not be held.
type SeatUnavailableError struct {
	SeatIDs []int64
}

func (e SeatUnavailableError) Error() string {
	return fmt.Sprintf("seats unavailable: %v", e.SeatIDs)
}

func (e SeatUnavailableError) Unwrap() error { return ErrSeatUnavailable }

type DuplicateSeatsError struct {
	SeatIDs []int64
}

func (e DuplicateSeatsError) Error() string {
	return fmt.Sprintf("duplicate seat ids: %v", e.SeatIDs)
}

func (e DuplicateSeatsError) Unwrap() error { return ErrDuplicateSeats }

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error { return ErrRateLimited }
