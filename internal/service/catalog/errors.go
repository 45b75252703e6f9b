package catalog

import "errors"

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrSeatsConflict = errors.New("some seats already exist")
)
