// Package guard implements the per-participant abuse checks that run before
// any room mutation or chat relay: join and message rate limits plus content
// and identity validation.
//
// Everything here is pure with respect to time; callers pass the current
// instant and own the serialization of the Activity records they hand in.
package guard

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/adeita/vichat/internal/ratelimit"
)

const (
	DefaultMaxRoomJoinsPerHour  = 5
	DefaultJoinWindow           = time.Hour
	DefaultMinMessageInterval   = 1000 * time.Millisecond
	DefaultMaxMessagesPerMinute = 10
	DefaultMessageWindow        = time.Minute
	DefaultMaxMessageLength     = 500
	DefaultMinNameLength        = 2
	DefaultMaxNameLength        = 20
	DefaultMaxRoomIDLength      = 64

	spamMatchTimeout = 50 * time.Millisecond
)

// DefaultSpamSignatures are the patterns a chat message must not match: a run
// of 11 or more identical characters, an embedded URL, 10 or more consecutive
// uppercase letters, 10 or more consecutive digits.
var DefaultSpamSignatures = []string{
	`(.)\1{10,}`,
	`https?://\S+`,
	`[A-Z]{10,}`,
	`[0-9]{10,}`,
}

// Limits holds every tunable of the guard. Zero values are not defaults; use
// DefaultLimits and override fields.
type Limits struct {
	MaxRoomJoinsPerHour  int
	JoinWindow           time.Duration
	MinMessageInterval   time.Duration
	MaxMessagesPerMinute int
	MessageWindow        time.Duration
	MaxMessageLength     int
	MinNameLength        int
	MaxNameLength        int
	MaxRoomIDLength      int
	SpamSignatures       []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxRoomJoinsPerHour:  DefaultMaxRoomJoinsPerHour,
		JoinWindow:           DefaultJoinWindow,
		MinMessageInterval:   DefaultMinMessageInterval,
		MaxMessagesPerMinute: DefaultMaxMessagesPerMinute,
		MessageWindow:        DefaultMessageWindow,
		MaxMessageLength:     DefaultMaxMessageLength,
		MinNameLength:        DefaultMinNameLength,
		MaxNameLength:        DefaultMaxNameLength,
		MaxRoomIDLength:      DefaultMaxRoomIDLength,
		SpamSignatures:       DefaultSpamSignatures,
	}
}

// Activity is the per-participant record the guard reads and updates. It is
// created on connect and dropped on disconnect or eviction.
type Activity struct {
	// LastActivity is the time of the last accepted chat message. Zero until
	// the first one.
	LastActivity  time.Time
	LastHeartbeat time.Time

	Messages ratelimit.Window
	Joins    ratelimit.Window
}

func NewActivity(now time.Time) *Activity {
	return &Activity{
		LastHeartbeat: now,
		Messages:      ratelimit.NewWindow(now),
		Joins:         ratelimit.NewWindow(now),
	}
}

type Guard struct {
	limits Limits
	spam   []*regexp2.Regexp
}

func New(limits Limits) (*Guard, error) {
	g := &Guard{limits: limits}
	for _, sig := range limits.SpamSignatures {
		re, err := regexp2.Compile(sig, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("invalid spam signature %q: %w", sig, err)
		}
		re.MatchTimeout = spamMatchTimeout
		g.spam = append(g.spam, re)
	}
	return g, nil
}

func (g *Guard) Limits() Limits { return g.limits }

// CheckJoin applies the room-join rate limit. The hour window restarts
// whenever it has elapsed, even if the join is then rejected.
func (g *Guard) CheckJoin(a *Activity, now time.Time) error {
	a.Joins.Roll(now, g.limits.JoinWindow)
	if a.Joins.Full(g.limits.MaxRoomJoinsPerHour) {
		return newError(ErrJoinRateLimited, "too many room joins, try again later")
	}
	a.Joins.Inc()
	return nil
}

// CheckMessage applies the minimum inter-message interval and the per-minute
// cap. Counters change only when the message is accepted, apart from the
// window restart.
func (g *Guard) CheckMessage(a *Activity, now time.Time) error {
	if !a.LastActivity.IsZero() && now.Sub(a.LastActivity) < g.limits.MinMessageInterval {
		return newError(ErrMessageTooSoon, "messages are being sent too quickly")
	}
	a.Messages.Roll(now, g.limits.MessageWindow)
	if a.Messages.Full(g.limits.MaxMessagesPerMinute) {
		return newError(ErrMessageRateLimited, "message rate limit exceeded")
	}
	a.Messages.Inc()
	a.LastActivity = now
	return nil
}
