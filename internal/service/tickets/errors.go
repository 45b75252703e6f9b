package tickets

import "errors"

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderNotPaid  = errors.New("order is not paid")
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrEventPassed   = errors.New("event has already started")
	ErrNumberSpace   = errors.New("could not mint a unique ticket number")
)
