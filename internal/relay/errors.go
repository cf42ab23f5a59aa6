package relay

import "errors"

var (
	ErrTooManyConnections = errors.New("too many connections")
	// ErrAlreadyRegistered is returned when an endpoint is registered under an
	// id that already has a live endpoint.
	ErrAlreadyRegistered = errors.New("participant id already registered")
)
