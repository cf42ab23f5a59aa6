package peer

import "time"

type State int

const (
	StateAbsent State = iota
	StateCreated
	StateNegotiating
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle transition of one peer session.
type Event struct {
	Peer  string
	State State
	At    time.Time

	// Reason is set on failed and closed.
	Reason string
}
