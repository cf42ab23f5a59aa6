package ratelimit

import "time"

// Clock is the time source used by limiters and activity bookkeeping. Tests
// substitute a manually advanced clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
