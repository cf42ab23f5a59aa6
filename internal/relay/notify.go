package relay

import (
	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/room"
)

var _ room.Notifier = (*Directory)(nil)

// Notify implements room.Notifier. It runs under the registry lock and must
// not consult the registry.
func (d *Directory) Notify(to string, ev room.Event) {
	msg, ok := EventMessage(ev)
	if !ok {
		d.log.Warn("unknown room event", "kind", ev.Kind.String())
		return
	}
	d.Send(to, msg)
}

// EventMessage converts a registry event into the wire message delivered to
// its recipient.
func EventMessage(ev room.Event) (protocol.Message, bool) {
	switch ev.Kind {
	case room.MemberJoined:
		return protocol.Message{Type: protocol.TypeMemberJoined, Room: ev.Room, ID: ev.Participant}, true
	case room.MemberLeft:
		return protocol.Message{Type: protocol.TypeMemberLeft, Room: ev.Room, ID: ev.Participant}, true
	case room.NameSet:
		return protocol.Message{Type: protocol.TypeNameSet, From: ev.Participant, Name: ev.Name}, true
	case room.ChatMessage:
		return protocol.Message{
			Type:      protocol.TypeChatMessage,
			From:      ev.Participant,
			Author:    ev.Chat.Author,
			Text:      ev.Chat.Text,
			Timestamp: ev.Chat.Timestamp,
		}, true
	default:
		return protocol.Message{}, false
	}
}
