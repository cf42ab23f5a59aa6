package room

// EventKind identifies a notification emitted by the registry.
type EventKind int

const (
	MemberJoined EventKind = iota
	MemberLeft
	NameSet
	ChatMessage
)

func (k EventKind) String() string {
	switch k {
	case MemberJoined:
		return "member-joined"
	case MemberLeft:
		return "member-left"
	case NameSet:
		return "name-set"
	case ChatMessage:
		return "chat-message"
	default:
		return "unknown"
	}
}

// Event is delivered to one participant. Participant is the subject of the
// event: the member that joined or left, or the sender of a name or chat.
type Event struct {
	Kind        EventKind
	Room        string
	Participant string
	Name        string
	Chat        Chat
}

type Chat struct {
	Author    string
	Text      string
	Timestamp int64
}

// Notifier receives registry events. Notify is called with the registry lock
// held so that every participant observes membership changes in registry
// order; implementations must not block and must not call back into the
// Registry.
type Notifier interface {
	Notify(to string, ev Event)
}

type NotifierFunc func(to string, ev Event)

func (f NotifierFunc) Notify(to string, ev Event) { f(to, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(string, Event) {}
