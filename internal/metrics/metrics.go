package metrics

import "sync"

// Event names. Keep them flat snake_case; they become the `event` label of
// the exported Prometheus counter.
const (
	ConnectionsOpened = "signaling_connections_opened"
	ConnectionsClosed = "signaling_connections_closed"
	BadMessage        = "signaling_bad_message"
	HandlerPanic      = "signaling_handler_panic"

	RoomJoin        = "room_join"
	RoomLeave       = "room_leave"
	RoomCreated     = "room_created"
	RoomDeleted     = "room_deleted"
	ChatRelayed     = "chat_relayed"
	NameSet         = "name_set"
	LivenessEvicted = "liveness_evicted"

	RelayDelivered               = "relay_delivered"
	RelayDroppedUnknownTarget    = "relay_dropped_unknown_target"
	RelayDroppedQueueFull        = "relay_dropped_queue_full"
	NotificationDroppedQueueFull = "notification_dropped_queue_full"
)

// Drop reasons for rejected client requests.
const (
	DropReasonRateLimited     = "rate_limited"
	DropReasonJoinRateLimited = "join_rate_limited"
	DropReasonInvalidMessage  = "invalid_message"
	DropReasonInvalidName     = "invalid_name"
	DropReasonInvalidRoom     = "invalid_room"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
