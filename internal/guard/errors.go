package guard

import "errors"

var (
	ErrJoinRateLimited    = errors.New("room join rate limited")
	ErrMessageTooSoon     = errors.New("message sent too soon")
	ErrMessageRateLimited = errors.New("message rate limited")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidName        = errors.New("invalid display name")
	ErrInvalidRoom        = errors.New("invalid room id")
)

// Wire error codes.
const (
	CodeJoinRateLimited = "join_rate_limited"
	CodeRateLimited     = "rate_limited"
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidName     = "invalid_name"
	CodeInvalidRoom     = "invalid_room"
)

// Error is a rejection produced by the guard. It carries a client-facing
// reason and unwraps to one of the sentinel errors above.
type Error struct {
	Code   string
	Reason string
	err    error
}

func newError(sentinel error, reason string) *Error {
	return &Error{Code: codeFor(sentinel), Reason: reason, err: sentinel}
}

func (e *Error) Error() string { return e.err.Error() + ": " + e.Reason }

func (e *Error) Unwrap() error { return e.err }

// IsRejection reports whether err is a guard rejection, as opposed to an
// internal failure.
func IsRejection(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr)
}

func codeFor(sentinel error) string {
	switch sentinel {
	case ErrJoinRateLimited:
		return CodeJoinRateLimited
	case ErrMessageTooSoon, ErrMessageRateLimited:
		return CodeRateLimited
	case ErrInvalidMessage:
		return CodeInvalidMessage
	case ErrInvalidName:
		return CodeInvalidName
	case ErrInvalidRoom:
		return CodeInvalidRoom
	default:
		return "rejected"
	}
}
