package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrTicketNumberTaken is returned when a ticket number collides with an
	// existing one. Callers regenerate the number and try again.
	ErrTicketNumberTaken = errors.New("ticket number taken")
)
