package relay

import (
	"log/slog"
	"sync"

	"github.com/adeita/vichat/internal/metrics"
	"github.com/adeita/vichat/internal/protocol"
)

// Endpoint is the outbound side of one participant's connection.
type Endpoint interface {
	// Send enqueues msg without blocking. It returns false when the message
	// was not accepted (queue full or connection closing).
	Send(msg protocol.Message) bool
	// Close terminates the connection with a WebSocket close code.
	Close(code int, reason string)
}

type Config struct {
	// MaxConnections caps the number of registered endpoints. Zero means
	// unlimited.
	MaxConnections int

	// Connected reports whether a participant is still known to the room
	// registry. Endpoints of evicted participants linger until their read
	// loop exits; Relay must not deliver to them.
	Connected func(id string) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Directory maps participant ids to their connected endpoints.
type Directory struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewDirectory(cfg Config) *Directory {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		log:       log,
		endpoints: make(map[string]Endpoint),
	}
}

func (d *Directory) Metrics() *metrics.Metrics { return d.metrics }

func (d *Directory) Register(id string, ep Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[id]; ok {
		return ErrAlreadyRegistered
	}
	if d.cfg.MaxConnections > 0 && len(d.endpoints) >= d.cfg.MaxConnections {
		return ErrTooManyConnections
	}
	d.endpoints[id] = ep
	return nil
}

// Unregister removes id only if it still maps to ep.
func (d *Directory) Unregister(id string, ep Endpoint) {
	d.mu.Lock()
	if cur, ok := d.endpoints[id]; ok && cur == ep {
		delete(d.endpoints, id)
	}
	d.mu.Unlock()
}

func (d *Directory) Lookup(id string) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.endpoints[id]
	return ep, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.endpoints)
}

// Close closes the endpoint registered for id. It reports whether one was
// found. The endpoint stays registered until its owner unregisters it.
func (d *Directory) Close(id string, code int, reason string) bool {
	ep, ok := d.Lookup(id)
	if !ok {
		return false
	}
	ep.Close(code, reason)
	return true
}

// Send delivers a server-originated message to id.
func (d *Directory) Send(id string, msg protocol.Message) bool {
	ep, ok := d.Lookup(id)
	if !ok {
		return false
	}
	if !ep.Send(msg) {
		d.metrics.Inc(metrics.NotificationDroppedQueueFull)
		return false
	}
	return true
}

// Relay forwards a negotiation payload from one participant to another. It
// reports whether the message was handed to the target's outbound queue.
func (d *Directory) Relay(from, to string, n protocol.Negotiation) bool {
	if from == to {
		d.metrics.Inc(metrics.RelayDroppedUnknownTarget)
		return false
	}
	if d.cfg.Connected != nil && !d.cfg.Connected(to) {
		d.metrics.Inc(metrics.RelayDroppedUnknownTarget)
		d.log.Debug("dropping negotiation for disconnected participant", "from", from, "to", to)
		return false
	}
	ep, ok := d.Lookup(to)
	if !ok {
		d.metrics.Inc(metrics.RelayDroppedUnknownTarget)
		d.log.Debug("dropping negotiation for unknown participant", "from", from, "to", to)
		return false
	}

	msg := protocol.Message{
		Type:        protocol.TypeNegotiate,
		From:        from,
		Description: n.Description,
		Candidate:   n.Candidate,
	}
	if !ep.Send(msg) {
		d.metrics.Inc(metrics.RelayDroppedQueueFull)
		return false
	}
	d.metrics.Inc(metrics.RelayDelivered)
	return true
}
