// Package protocol defines the signaling wire format shared by the server and
// participants: a closed set of message types carried in one envelope with a
// `type` discriminant.
package protocol

import (
	"errors"
	"fmt"
)

type Type string

const (
	TypeWelcome      Type = "welcome"
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat-ack"
	TypeSetName      Type = "set-name"
	TypeNameSet      Type = "name-set"
	TypeChatMessage  Type = "chat-message"
	TypeNegotiate    Type = "negotiate"
	TypeMembersList  Type = "members-list"
	TypeMemberJoined Type = "member-joined"
	TypeMemberLeft   Type = "member-left"
	TypeError        Type = "error"
)

// Origin says which side produced a message.
type Origin int

const (
	FromClient Origin = iota
	FromServer
)

// Message is the envelope for every frame. Which fields may be set depends on
// Type; Validate enforces that.
type Message struct {
	Type Type `json:"type"`

	// ID is the participant the message is about: the receiver itself in
	// welcome, the subject of member-joined and member-left.
	ID                  string `json:"id,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`

	Room    string   `json:"room,omitempty"`
	Members []string `json:"members,omitempty"`
	Name    string   `json:"name,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Author    string `json:"author,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *Candidate          `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Negotiation is the opaque payload of a negotiate message. Exactly one of
// the fields is set.
type Negotiation struct {
	Description *SessionDescription
	Candidate   *Candidate
}

func (n Negotiation) Validate() error {
	switch {
	case n.Description != nil && n.Candidate != nil:
		return errors.New("negotiation must not carry both description and candidate")
	case n.Description != nil:
		return n.Description.validate()
	case n.Candidate != nil:
		return nil
	default:
		return errors.New("negotiation missing description/candidate")
	}
}

// Negotiation extracts the payload of a negotiate message.
func (m Message) Negotiation() Negotiation {
	return Negotiation{Description: m.Description, Candidate: m.Candidate}
}

type field uint32

const (
	fieldID field = 1 << iota
	fieldHeartbeatInterval
	fieldRoom
	fieldMembers
	fieldName
	fieldFrom
	fieldTo
	fieldAuthor
	fieldText
	fieldTimestamp
	fieldDescription
	fieldCandidate
	fieldCode
	fieldMessage
)

func (m Message) fields() field {
	var f field
	set := func(ok bool, bit field) {
		if ok {
			f |= bit
		}
	}
	set(m.ID != "", fieldID)
	set(m.HeartbeatIntervalMs != 0, fieldHeartbeatInterval)
	set(m.Room != "", fieldRoom)
	set(len(m.Members) > 0, fieldMembers)
	set(m.Name != "", fieldName)
	set(m.From != "", fieldFrom)
	set(m.To != "", fieldTo)
	set(m.Author != "", fieldAuthor)
	set(m.Text != "", fieldText)
	set(m.Timestamp != 0, fieldTimestamp)
	set(m.Description != nil, fieldDescription)
	set(m.Candidate != nil, fieldCandidate)
	set(m.Code != "", fieldCode)
	set(m.Message != "", fieldMessage)
	return f
}

type rule struct {
	origins  []Origin
	required field
	allowed  field
}

var rules = map[Type]rule{
	TypeWelcome:      {origins: []Origin{FromServer}, required: fieldID | fieldHeartbeatInterval, allowed: fieldID | fieldHeartbeatInterval},
	TypeJoin:         {origins: []Origin{FromClient}, allowed: fieldRoom},
	TypeLeave:        {origins: []Origin{FromClient}, allowed: fieldRoom},
	TypeHeartbeat:    {origins: []Origin{FromClient}},
	TypeHeartbeatAck: {origins: []Origin{FromServer}},
	TypeSetName:      {origins: []Origin{FromClient}, allowed: fieldName},
	TypeNameSet:      {origins: []Origin{FromServer}, required: fieldFrom | fieldName, allowed: fieldFrom | fieldName},
	TypeChatMessage: {
		origins: []Origin{FromClient, FromServer},
		allowed: fieldFrom | fieldAuthor | fieldText | fieldTimestamp,
	},
	TypeNegotiate: {
		origins: []Origin{FromClient, FromServer},
		allowed: fieldFrom | fieldTo | fieldDescription | fieldCandidate,
	},
	TypeMembersList:  {origins: []Origin{FromServer}, required: fieldRoom, allowed: fieldRoom | fieldMembers},
	TypeMemberJoined: {origins: []Origin{FromServer}, required: fieldRoom | fieldID, allowed: fieldRoom | fieldID},
	TypeMemberLeft:   {origins: []Origin{FromServer}, required: fieldRoom | fieldID, allowed: fieldRoom | fieldID},
	TypeError:        {origins: []Origin{FromServer}, required: fieldCode | fieldMessage, allowed: fieldCode | fieldMessage},
}

// Validate checks that m is a well-formed message of its type as produced by
// origin.
func (m Message) Validate(origin Origin) error {
	r, ok := rules[m.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if !containsOrigin(r.origins, origin) {
		return fmt.Errorf("message type %q not accepted from %s", m.Type, origin)
	}
	got := m.fields()
	if got&r.required != r.required {
		return fmt.Errorf("%s message missing required fields", m.Type)
	}
	if got&^r.allowed != 0 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}

	switch m.Type {
	case TypeNegotiate:
		if err := m.Negotiation().Validate(); err != nil {
			return err
		}
		switch origin {
		case FromClient:
			if m.To == "" || m.From != "" {
				return errors.New("negotiate message from client must set to and not from")
			}
		case FromServer:
			if m.From == "" || m.To != "" {
				return errors.New("negotiate message from server must set from and not to")
			}
		}
	case TypeChatMessage:
		if origin == FromClient && m.From != "" {
			return errors.New("chat-message from client must not set from")
		}
		if origin == FromServer && (m.From == "" || m.Text == "") {
			return errors.New("chat-message from server must set from and text")
		}
	}
	return nil
}

func containsOrigin(list []Origin, o Origin) bool {
	for _, v := range list {
		if v == o {
			return true
		}
	}
	return false
}

func (o Origin) String() string {
	switch o {
	case FromClient:
		return "client"
	case FromServer:
		return "server"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}
