package protocol

import (
	"strings"
	"testing"
)

func TestDecode_ClientMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "join", raw: `{"type":"join","room":"R1"}`, ok: true},
		{name: "join without room", raw: `{"type":"join"}`, ok: true},
		{name: "leave", raw: `{"type":"leave","room":"R1"}`, ok: true},
		{name: "leave without room", raw: `{"type":"leave"}`, ok: true},
		{name: "heartbeat", raw: `{"type":"heartbeat"}`, ok: true},
		{name: "heartbeat with payload", raw: `{"type":"heartbeat","room":"R1"}`},
		{name: "set-name", raw: `{"type":"set-name","name":"alice"}`, ok: true},
		{name: "set-name empty", raw: `{"type":"set-name","name":""}`, ok: true},
		{name: "chat", raw: `{"type":"chat-message","author":"alice","text":"hi","timestamp":1700000000000}`, ok: true},
		{name: "chat empty text", raw: `{"type":"chat-message","text":""}`, ok: true},
		{name: "chat spoofing sender", raw: `{"type":"chat-message","from":"bob","text":"hi"}`},
		{name: "negotiate description", raw: `{"type":"negotiate","to":"b","description":{"type":"offer","sdp":"v=0"}}`, ok: true},
		{name: "negotiate candidate", raw: `{"type":"negotiate","to":"b","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`, ok: true},
		{name: "negotiate both payloads", raw: `{"type":"negotiate","to":"b","description":{"type":"offer","sdp":"v=0"},"candidate":{"candidate":""}}`},
		{name: "negotiate without payload", raw: `{"type":"negotiate","to":"b"}`},
		{name: "negotiate without target", raw: `{"type":"negotiate","candidate":{"candidate":""}}`},
		{name: "negotiate with from", raw: `{"type":"negotiate","to":"b","from":"a","candidate":{"candidate":""}}`},
		{name: "negotiate bad sdp type", raw: `{"type":"negotiate","to":"b","description":{"type":"pranswer","sdp":"v=0"}}`},
		{name: "server-only type", raw: `{"type":"members-list","room":"R1"}`},
		{name: "unknown type", raw: `{"type":"signal"}`},
		{name: "unknown field", raw: `{"type":"heartbeat","unexpected":true}`},
		{name: "trailing data", raw: `{"type":"heartbeat"}{"type":"heartbeat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(JSON, []byte(tt.raw), FromClient)
			if tt.ok && err != nil {
				t.Fatalf("Decode(%s) err=%v", tt.raw, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("Decode(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestDecode_ServerMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "welcome", raw: `{"type":"welcome","id":"a","heartbeatIntervalMs":1000}`, ok: true},
		{name: "empty members list", raw: `{"type":"members-list","room":"R1"}`, ok: true},
		{name: "members list", raw: `{"type":"members-list","room":"R1","members":["alice"]}`, ok: true},
		{name: "member joined", raw: `{"type":"member-joined","room":"R1","id":"bob"}`, ok: true},
		{name: "member left without id", raw: `{"type":"member-left","room":"R1"}`},
		{name: "negotiate", raw: `{"type":"negotiate","from":"a","description":{"type":"answer","sdp":"v=0"}}`, ok: true},
		{name: "negotiate with to", raw: `{"type":"negotiate","to":"b","description":{"type":"answer","sdp":"v=0"}}`},
		{name: "chat", raw: `{"type":"chat-message","from":"a","author":"Alice","text":"hi","timestamp":7}`, ok: true},
		{name: "chat without text", raw: `{"type":"chat-message","from":"a"}`},
		{name: "chat without sender", raw: `{"type":"chat-message","text":"hi"}`},
		{name: "error", raw: `{"type":"error","code":"rate_limited","message":"slow down"}`, ok: true},
		{name: "error without code", raw: `{"type":"error","message":"slow down"}`},
		{name: "client-only type", raw: `{"type":"heartbeat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(JSON, []byte(tt.raw), FromServer)
			if tt.ok && err != nil {
				t.Fatalf("Decode(%s) err=%v", tt.raw, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("Decode(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestMsgpackCodec_NegotiatePreservesCandidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := Message{
		Type: TypeNegotiate,
		From: "alice",
		Candidate: &Candidate{
			Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}

	data, err := Msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Decode(Msgpack, data, FromServer)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.From != "alice" || got.Candidate == nil || got.Candidate.Candidate != in.Candidate.Candidate {
		t.Fatalf("got=%#v", got)
	}
	if got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != "0" || got.Candidate.SDPMLineIndex == nil || *got.Candidate.SDPMLineIndex != 0 {
		t.Fatalf("candidate fields lost: %#v", got.Candidate)
	}
	if got.Description != nil {
		t.Fatalf("unexpected description: %#v", got.Description)
	}

	if _, err := Msgpack.Unmarshal(append(data, 0xc0)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestCodecFor(t *testing.T) {
	for _, tt := range []struct {
		sub    string
		want   Codec
		binary bool
	}{
		{sub: "", want: JSON},
		{sub: SubprotocolJSON, want: JSON},
		{sub: SubprotocolMsgpack, want: Msgpack, binary: true},
	} {
		got, err := CodecFor(tt.sub)
		if err != nil {
			t.Fatalf("CodecFor(%q): %v", tt.sub, err)
		}
		if got != tt.want || got.Binary() != tt.binary {
			t.Fatalf("CodecFor(%q)=%v, want %v", tt.sub, got.Subprotocol(), tt.want.Subprotocol())
		}
	}
	if _, err := CodecFor("vichat.v2"); err == nil {
		t.Fatalf("expected error for unknown subprotocol")
	}
}

func TestNewRoomID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if len(id) != 8 {
			t.Fatalf("len(%q)=%d, want 8", id, len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune(roomIDAlphabet, r) {
				t.Fatalf("room id %q has character %q outside the alphabet", id, r)
			}
		}
		seen[id] = true
	}
	if len(seen) < 95 {
		t.Fatalf("room ids collide too often: %d unique of 100", len(seen))
	}
}
