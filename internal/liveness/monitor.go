// Package liveness evicts participants that stop sending heartbeats.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/adeita/vichat/internal/ratelimit"
)

const DefaultSweepInterval = 2 * time.Second

// Sweeper removes every participant whose last heartbeat is too old and
// returns their ids. room.Registry implements it.
type Sweeper interface {
	Sweep(now time.Time) []string
}

type Monitor struct {
	Sweeper  Sweeper
	Interval time.Duration
	Clock    ratelimit.Clock

	// OnEvict is called once per evicted participant after the registry has
	// already dropped it, typically to close its connection.
	OnEvict func(id string)

	Logger *slog.Logger
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep and returns the evicted ids.
func (m *Monitor) SweepOnce() []string {
	clock := m.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	evicted := m.Sweeper.Sweep(clock.Now())
	if len(evicted) == 0 {
		return nil
	}
	log := m.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("liveness sweep", "evicted", len(evicted))
	if m.OnEvict != nil {
		for _, id := range evicted {
			m.OnEvict(id)
		}
	}
	return evicted
}
