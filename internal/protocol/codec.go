package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols. JSON is the default when the client offers none.
const (
	SubprotocolJSON    = "vichat.v1.json"
	SubprotocolMsgpack = "vichat.v1.msgpack"
)

// Codec converts messages to and from WebSocket frame payloads.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames are sent as binary rather than text.
	Binary() bool
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

var errTrailingData = errors.New("unexpected trailing data")

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty name
// selects JSON.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSON, nil
	case SubprotocolMsgpack:
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unsupported subprotocol %q", subprotocol)
	}
}

// Decode unmarshals a frame and validates it for the given origin.
func Decode(c Codec, data []byte, origin Origin) (Message, error) {
	msg, err := c.Unmarshal(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.Validate(origin); err != nil {
		return Message{}, err
	}
	return msg, nil
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errTrailingData
	}
	return msg, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (msgpackCodec) Binary() bool        { return true }

func (msgpackCodec) Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if r.Len() != 0 {
		return Message{}, errTrailingData
	}
	return msg, nil
}
