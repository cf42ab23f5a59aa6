// Package room holds the authoritative room membership of the signaling
// server together with each participant's activity record and display name.
package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/metrics"
	"github.com/adeita/vichat/internal/ratelimit"
)

var (
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrDuplicateParticipant = errors.New("participant already connected")
)

const DefaultInactivityTimeout = 5 * time.Second

type Config struct {
	Guard    *guard.Guard
	Notifier Notifier
	Clock    ratelimit.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// InactivityTimeout is how long a participant may go without a heartbeat
	// before Sweep evicts it.
	InactivityTimeout time.Duration
}

type participant struct {
	activity *guard.Activity
	room     string
	name     string
}

// Registry is the single owner of rooms, activity records and display names.
// One mutex serializes every mutation, including liveness sweeps.
type Registry struct {
	guard      *guard.Guard
	notifier   Notifier
	clock      ratelimit.Clock
	metrics    *metrics.Metrics
	log        *slog.Logger
	inactivity time.Duration

	mu           sync.Mutex
	rooms        map[string]map[string]struct{}
	participants map[string]*participant
}

func NewRegistry(cfg Config) (*Registry, error) {
	g := cfg.Guard
	if g == nil {
		var err error
		g, err = guard.New(guard.DefaultLimits())
		if err != nil {
			return nil, err
		}
	}
	r := &Registry{
		guard:        g,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		inactivity:   cfg.InactivityTimeout,
		rooms:        make(map[string]map[string]struct{}),
		participants: make(map[string]*participant),
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.clock == nil {
		r.clock = ratelimit.RealClock{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.inactivity <= 0 {
		r.inactivity = DefaultInactivityTimeout
	}
	return r, nil
}

// SetNotifier replaces the event sink. It must be called before the registry
// is shared.
func (r *Registry) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Connect creates the activity record of a newly connected participant.
func (r *Registry) Connect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; ok {
		return ErrDuplicateParticipant
	}
	r.participants[id] = &participant{activity: guard.NewActivity(r.clock.Now())}
	return nil
}

// Join moves the participant into roomID and returns the members that were
// already there, sorted. A previous room is left first, with the usual
// departure notification.
func (r *Registry) Join(id, roomID string) ([]string, error) {
	return r.JoinWith(id, roomID, nil)
}

// JoinWith is Join with a reply hook. onJoined runs under the registry lock
// before the room's other members are notified, so a reply queued there
// reaches the joiner ahead of any later event for the new room. Like a
// Notifier it must not block or call back into the Registry.
func (r *Registry) JoinWith(id, roomID string, onJoined func(roomID string, members []string)) ([]string, error) {
	roomID, err := r.guard.ValidateRoomID(roomID)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonInvalidRoom)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	if err := r.guard.CheckJoin(p.activity, r.clock.Now()); err != nil {
		r.metrics.Inc(metrics.DropReasonJoinRateLimited)
		return nil, err
	}

	if p.room == roomID {
		existing := r.othersLocked(roomID, id)
		if onJoined != nil {
			onJoined(roomID, existing)
		}
		return existing, nil
	}
	if p.room != "" {
		r.leaveLocked(id, p)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
		r.metrics.Inc(metrics.RoomCreated)
	}
	existing := r.othersLocked(roomID, id)
	members[id] = struct{}{}
	p.room = roomID
	r.metrics.Inc(metrics.RoomJoin)

	if onJoined != nil {
		onJoined(roomID, existing)
	}
	for _, other := range existing {
		r.notifier.Notify(other, Event{Kind: MemberJoined, Room: roomID, Participant: id})
	}
	r.log.Debug("participant joined room", "participant_id", id, "room", roomID, "members", len(members))
	return existing, nil
}

// Leave removes the participant from roomID. It is a no-op when the
// participant is not in that room.
func (r *Registry) Leave(id, roomID string) error {
	roomID, err := r.guard.ValidateRoomID(roomID)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonInvalidRoom)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	if p.room == "" || p.room != roomID {
		return nil
	}
	r.leaveLocked(id, p)
	return nil
}

// Disconnect drops every trace of the participant. Calling it again, or after
// an eviction, does nothing.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

// Heartbeat records a liveness signal from the participant.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	p.activity.LastHeartbeat = r.clock.Now()
	return nil
}

// SetName binds a display name and announces it to the participant's room.
func (r *Registry) SetName(id, name string) error {
	name, err := r.guard.ValidateName(name)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonInvalidName)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	p.name = name
	r.metrics.Inc(metrics.NameSet)
	if p.room == "" {
		return nil
	}
	for _, other := range r.othersLocked(p.room, id) {
		r.notifier.Notify(other, Event{Kind: NameSet, Room: p.room, Participant: id, Name: name})
	}
	return nil
}

// Chat validates and rate-checks a chat message, then relays it to the rest
// of the sender's room. A sender outside any room is accepted but reaches no
// one.
func (r *Registry) Chat(id string, msg Chat) error {
	if err := r.guard.ValidateMessage(msg.Text); err != nil {
		r.metrics.Inc(metrics.DropReasonInvalidMessage)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	if err := r.guard.CheckMessage(p.activity, r.clock.Now()); err != nil {
		r.metrics.Inc(metrics.DropReasonRateLimited)
		return err
	}
	if p.room == "" {
		return nil
	}

	msg.Author = r.authorLocked(p, msg.Author)
	for _, other := range r.othersLocked(p.room, id) {
		r.notifier.Notify(other, Event{Kind: ChatMessage, Room: p.room, Participant: id, Chat: msg})
	}
	r.metrics.Inc(metrics.ChatRelayed)
	return nil
}

// Sweep evicts every participant whose last heartbeat is older than the
// inactivity timeout and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, p := range r.participants {
		if now.Sub(p.activity.LastHeartbeat) > r.inactivity {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		r.removeLocked(id)
		r.metrics.Inc(metrics.LivenessEvicted)
		r.log.Info("evicted inactive participant", "participant_id", id, "inactivity_timeout", r.inactivity)
	}
	return evicted
}

func (r *Registry) Now() time.Time { return r.clock.Now() }

func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	return ok
}

// RoomOf returns the participant's current room, or "" when it has none.
func (r *Registry) RoomOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		return p.room
	}
	return ""
}

func (r *Registry) Name(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		return p.name
	}
	return ""
}

// Members returns the sorted member ids of roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.othersLocked(roomID, "")
}

// Snapshot returns a copy of the room to members mapping.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.rooms))
	for id := range r.rooms {
		out[id] = r.othersLocked(id, "")
	}
	return out
}

type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	InRooms      int `json:"inRooms"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Rooms: len(r.rooms), Participants: len(r.participants)}
	for _, members := range r.rooms {
		s.InRooms += len(members)
	}
	return s
}

func (r *Registry) removeLocked(id string) {
	p, ok := r.participants[id]
	if !ok {
		return
	}
	if p.room != "" {
		r.leaveLocked(id, p)
	}
	delete(r.participants, id)
}

func (r *Registry) leaveLocked(id string, p *participant) {
	roomID := p.room
	p.room = ""

	members := r.rooms[roomID]
	delete(members, id)
	r.metrics.Inc(metrics.RoomLeave)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomDeleted)
		r.log.Debug("room deleted", "room", roomID)
		return
	}
	for _, other := range r.othersLocked(roomID, id) {
		r.notifier.Notify(other, Event{Kind: MemberLeft, Room: roomID, Participant: id})
	}
}

func (r *Registry) othersLocked(roomID, self string) []string {
	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		if id != self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// authorLocked prefers the bound display name. A client-supplied author is
// only passed through when it would be a valid display name.
func (r *Registry) authorLocked(p *participant, supplied string) string {
	if p.name != "" {
		return p.name
	}
	if name, err := r.guard.ValidateName(supplied); err == nil {
		return name
	}
	return ""
}
