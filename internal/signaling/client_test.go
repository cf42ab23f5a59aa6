package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/protocol"
)

func dialClient(t *testing.T, h *harness, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = h.url
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextMessage(t *testing.T, c *Client, want protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Incoming():
			if !ok {
				t.Fatalf("incoming closed waiting for %s: %v", want, c.Err())
			}
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestClient_WelcomeAndHeartbeats(t *testing.T) {
	h := newHarness(t, harnessOptions{configure: func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
	}})
	c := dialClient(t, h, ClientConfig{})

	if c.ID() == "" {
		t.Fatalf("empty participant id")
	}
	if got := c.HeartbeatInterval(); got != 20*time.Millisecond {
		t.Fatalf("HeartbeatInterval=%v, want 20ms", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.LastAck().IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat-ack received")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_NegotiationAndChat(t *testing.T) {
	limits := guard.DefaultLimits()
	limits.MinMessageInterval = 10 * time.Millisecond
	h := newHarness(t, harnessOptions{limits: &limits})

	alice := dialClient(t, h, ClientConfig{ChatInterval: 50 * time.Millisecond})
	bob := dialClient(t, h, ClientConfig{Codec: protocol.Msgpack})

	if err := alice.Join("R1"); err != nil {
		t.Fatalf("alice Join: %v", err)
	}
	nextMessage(t, alice, protocol.TypeMembersList)
	if err := bob.Join("R1"); err != nil {
		t.Fatalf("bob Join: %v", err)
	}
	list := nextMessage(t, bob, protocol.TypeMembersList)
	if len(list.Members) != 1 || list.Members[0] != alice.ID() {
		t.Fatalf("members=%v, want [%s]", list.Members, alice.ID())
	}

	cand := &protocol.Candidate{Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host"}
	if err := bob.SendNegotiation(alice.ID(), protocol.Negotiation{Candidate: cand}); err != nil {
		t.Fatalf("SendNegotiation: %v", err)
	}
	neg := nextMessage(t, alice, protocol.TypeNegotiate)
	if neg.From != bob.ID() || neg.Candidate == nil || neg.Candidate.Candidate != cand.Candidate {
		t.Fatalf("negotiate=%#v", neg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, text := range []string{"one", "two"} {
		if err := alice.Chat(ctx, "Alice", text); err != nil {
			t.Fatalf("Chat(%q): %v", text, err)
		}
	}
	for _, want := range []string{"one", "two"} {
		chat := nextMessage(t, bob, protocol.TypeChatMessage)
		if chat.Text != want || chat.Author != "Alice" {
			t.Fatalf("chat=%#v, want text %q", chat, want)
		}
	}
}

func TestClient_SendValidates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := dialClient(t, h, ClientConfig{})

	if err := c.SendNegotiation("", protocol.Negotiation{}); err == nil {
		t.Fatalf("expected empty negotiation to be rejected")
	}
	if err := c.Send(protocol.Message{Type: protocol.TypeMembersList, Room: "R1"}); err == nil {
		t.Fatalf("expected server-only type to be rejected")
	}
}

func TestClient_CloseEndsConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := dialClient(t, h, ClientConfig{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("Done not closed")
	}
	if err := c.Join("R1"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Join after close err=%v, want %v", err, ErrClientClosed)
	}
	for range c.Incoming() {
	}
}

func TestClient_ServerEvictionSurfacesCloseCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := dialClient(t, h, ClientConfig{})

	// Wait for the server side to be registered before closing it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.dir.Lookup(c.ID()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("participant never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.dir.Close(c.ID(), CloseInactive, "inactive")

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed")
	}
	if code := CloseCode(c.Err()); code != CloseInactive {
		t.Fatalf("CloseCode=%d, want %d", code, CloseInactive)
	}
}
