package signaling

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/liveness"
	"github.com/adeita/vichat/internal/metrics"
	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/relay"
	"github.com/adeita/vichat/internal/room"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	url     string
	reg     *room.Registry
	dir     *relay.Directory
	srv     *Server
	metrics *metrics.Metrics
}

type harnessOptions struct {
	limits    *guard.Limits
	regClock  *fakeClock
	maxConns  int
	configure func(*Config)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	m := metrics.New()
	var g *guard.Guard
	if opts.limits != nil {
		var err error
		g, err = guard.New(*opts.limits)
		if err != nil {
			t.Fatalf("guard.New: %v", err)
		}
	}
	regCfg := room.Config{Guard: g, Metrics: m, Logger: discardLogger()}
	if opts.regClock != nil {
		regCfg.Clock = opts.regClock
	}
	reg, err := room.NewRegistry(regCfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	dir := relay.NewDirectory(relay.Config{
		MaxConnections: opts.maxConns,
		Connected:      reg.IsConnected,
		Metrics:        m,
		Logger:         discardLogger(),
	})
	reg.SetNotifier(dir)

	cfg := Config{
		Registry:          reg,
		Directory:         dir,
		HeartbeatInterval: time.Second,
		Metrics:           m,
		Logger:            discardLogger(),
	}
	if opts.configure != nil {
		opts.configure(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return &harness{
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		reg:     reg,
		dir:     dir,
		srv:     srv,
		metrics: m,
	}
}

type testPeer struct {
	t     *testing.T
	ws    *websocket.Conn
	codec protocol.Codec
	id    string
}

func (h *harness) dial(t *testing.T, codec protocol.Codec) *testPeer {
	t.Helper()
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{codec.Subprotocol()}
	ws, _, err := dialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	p := &testPeer{t: t, ws: ws, codec: codec}
	welcome := p.expect(protocol.TypeWelcome)
	if welcome.ID == "" {
		t.Fatalf("welcome without id: %#v", welcome)
	}
	p.id = welcome.ID
	return p
}

func (p *testPeer) send(msg protocol.Message) {
	p.t.Helper()
	data, err := p.codec.Marshal(msg)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	msgType := websocket.TextMessage
	if p.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	if err := p.ws.WriteMessage(msgType, data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) read() (protocol.Message, error) {
	_ = p.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(p.codec, data, protocol.FromServer)
}

func (p *testPeer) expect(want protocol.Type) protocol.Message {
	p.t.Helper()
	msg, err := p.read()
	if err != nil {
		p.t.Fatalf("waiting for %s: %v", want, err)
	}
	if msg.Type != want {
		p.t.Fatalf("got %s (%#v), want %s", msg.Type, msg, want)
	}
	return msg
}

func (p *testPeer) expectClose(code int) {
	p.t.Helper()
	for {
		_, err := p.read()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			p.t.Fatalf("err=%v, want close %d", err, code)
		}
		return
	}
}

// sync round-trips a heartbeat so every earlier message has been handled.
func (p *testPeer) sync() {
	p.t.Helper()
	p.send(protocol.Message{Type: protocol.TypeHeartbeat})
	p.expect(protocol.TypeHeartbeatAck)
}

func offer(sdp string) *protocol.SessionDescription {
	return &protocol.SessionDescription{Type: "offer", SDP: sdp}
}

func TestWebSocket_WelcomeAndHeartbeat(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{protocol.SubprotocolJSON}
	ws, _, err := dialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	p := &testPeer{t: t, ws: ws, codec: protocol.JSON}
	welcome := p.expect(protocol.TypeWelcome)
	if welcome.HeartbeatIntervalMs != 1000 {
		t.Fatalf("heartbeatIntervalMs=%d, want 1000", welcome.HeartbeatIntervalMs)
	}
	if !h.reg.IsConnected(welcome.ID) {
		t.Fatalf("participant %q not registered", welcome.ID)
	}
	p.sync()
	if got := h.metrics.Get(metrics.ConnectionsOpened); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ConnectionsOpened, got)
	}
}

func TestWebSocket_RoomScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, protocol.JSON)
	bob := h.dial(t, protocol.JSON)

	alice.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	list := alice.expect(protocol.TypeMembersList)
	if list.Room != "R1" || len(list.Members) != 0 {
		t.Fatalf("alice members-list=%#v", list)
	}

	bob.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	list = bob.expect(protocol.TypeMembersList)
	if list.Room != "R1" || len(list.Members) != 1 || list.Members[0] != alice.id {
		t.Fatalf("bob members-list=%#v", list)
	}
	joined := alice.expect(protocol.TypeMemberJoined)
	if joined.Room != "R1" || joined.ID != bob.id {
		t.Fatalf("member-joined=%#v", joined)
	}

	// Negotiation is relayed with the sender stamped in.
	bob.send(protocol.Message{Type: protocol.TypeNegotiate, To: alice.id, Description: offer("v=0 bob")})
	neg := alice.expect(protocol.TypeNegotiate)
	if neg.From != bob.id || neg.Description == nil || neg.Description.SDP != "v=0 bob" {
		t.Fatalf("negotiate=%#v", neg)
	}

	// Unknown targets are dropped without telling the sender.
	bob.send(protocol.Message{Type: protocol.TypeNegotiate, To: "ghost", Description: offer("v=0")})
	bob.sync()
	if got := h.metrics.Get(metrics.RelayDroppedUnknownTarget); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RelayDroppedUnknownTarget, got)
	}

	bob.send(protocol.Message{Type: protocol.TypeSetName, Name: "Bob"})
	named := alice.expect(protocol.TypeNameSet)
	if named.From != bob.id || named.Name != "Bob" {
		t.Fatalf("name-set=%#v", named)
	}

	alice.send(protocol.Message{Type: protocol.TypeChatMessage, Author: "Alice", Text: "hello"})
	chat := bob.expect(protocol.TypeChatMessage)
	if chat.From != alice.id || chat.Author != "Alice" || chat.Text != "hello" || chat.Timestamp == 0 {
		t.Fatalf("chat-message=%#v", chat)
	}

	_ = bob.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	left := alice.expect(protocol.TypeMemberLeft)
	if left.Room != "R1" || left.ID != bob.id {
		t.Fatalf("member-left=%#v", left)
	}
	alice.sync()
	if got := h.reg.Members("R1"); len(got) != 1 || got[0] != alice.id {
		t.Fatalf("R1 members=%v, want [alice]", got)
	}
}

// awaitMembersList reads until the members-list for roomID and fails if a
// member-joined for that room arrives first.
func (p *testPeer) awaitMembersList(roomID string) protocol.Message {
	p.t.Helper()
	for {
		msg, err := p.read()
		if err != nil {
			p.t.Fatalf("waiting for members-list of %s: %v", roomID, err)
		}
		switch {
		case msg.Type == protocol.TypeMembersList && msg.Room == roomID:
			return msg
		case msg.Type == protocol.TypeMemberJoined && msg.Room == roomID:
			p.t.Fatalf("member-joined %s for %s arrived before members-list", msg.ID, roomID)
		}
	}
}

// drain discards messages up to a heartbeat round trip.
func (p *testPeer) drain() {
	p.t.Helper()
	p.send(protocol.Message{Type: protocol.TypeHeartbeat})
	for {
		msg, err := p.read()
		if err != nil {
			p.t.Fatalf("drain: %v", err)
		}
		if msg.Type == protocol.TypeHeartbeatAck {
			return
		}
	}
}

func TestWebSocket_MembersListPrecedesRoomEvents(t *testing.T) {
	limits := guard.DefaultLimits()
	limits.MaxRoomJoinsPerHour = 100
	h := newHarness(t, harnessOptions{limits: &limits})
	b := h.dial(t, protocol.JSON)
	c := h.dial(t, protocol.JSON)

	for i := 0; i < 20; i++ {
		roomID := fmt.Sprintf("R%d", i)
		b.send(protocol.Message{Type: protocol.TypeJoin, Room: roomID})
		c.send(protocol.Message{Type: protocol.TypeJoin, Room: roomID})
		b.awaitMembersList(roomID)
		c.awaitMembersList(roomID)
		b.drain()
		c.drain()
	}
}

func TestWebSocket_JoinWithoutRoomGeneratesID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.dial(t, protocol.JSON)

	p.send(protocol.Message{Type: protocol.TypeJoin})
	list := p.expect(protocol.TypeMembersList)
	if len(list.Room) != 8 {
		t.Fatalf("generated room=%q, want 8 characters", list.Room)
	}
	if h.reg.RoomOf(p.id) != list.Room {
		t.Fatalf("RoomOf=%q, want %q", h.reg.RoomOf(p.id), list.Room)
	}
}

func TestWebSocket_RejectionsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.dial(t, protocol.JSON)

	p.send(protocol.Message{Type: protocol.TypeSetName, Name: "<script>"})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeInvalidName {
		t.Fatalf("error=%#v, want %s", e, guard.CodeInvalidName)
	}

	p.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	p.expect(protocol.TypeMembersList)

	p.send(protocol.Message{Type: protocol.TypeChatMessage, Text: "first"})
	p.send(protocol.Message{Type: protocol.TypeChatMessage, Text: "second"})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeRateLimited {
		t.Fatalf("error=%#v, want %s", e, guard.CodeRateLimited)
	}

	p.send(protocol.Message{Type: protocol.TypeJoin, Room: strings.Repeat("r", 65)})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeInvalidRoom {
		t.Fatalf("error=%#v, want %s", e, guard.CodeInvalidRoom)
	}

	p.send(protocol.Message{Type: protocol.TypeSetName, Name: ""})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeInvalidName {
		t.Fatalf("empty name error=%#v, want %s", e, guard.CodeInvalidName)
	}

	p.send(protocol.Message{Type: protocol.TypeChatMessage, Text: ""})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeInvalidMessage {
		t.Fatalf("empty chat error=%#v, want %s", e, guard.CodeInvalidMessage)
	}

	p.send(protocol.Message{Type: protocol.TypeLeave, Room: ""})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeInvalidRoom {
		t.Fatalf("empty leave error=%#v, want %s", e, guard.CodeInvalidRoom)
	}

	p.sync()
	if h.reg.RoomOf(p.id) != "R1" {
		t.Fatalf("rejected request moved the participant")
	}
	if got := h.metrics.Get(metrics.BadMessage); got != 0 {
		t.Fatalf("bad_message=%d, want 0", got)
	}
}

func TestWebSocket_BadFrameClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.dial(t, protocol.JSON)

	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","room":"R1","extra":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := p.expect(protocol.TypeError); e.Code != "bad_message" {
		t.Fatalf("error=%#v, want bad_message", e)
	}
	p.expectClose(websocket.ClosePolicyViolation)
	if got := h.metrics.Get(metrics.BadMessage); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.BadMessage, got)
	}
}

func TestWebSocket_ServerOnlyTypeFromClientIsBadMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.dial(t, protocol.JSON)

	p.send(protocol.Message{Type: protocol.TypeHeartbeatAck})
	p.expect(protocol.TypeError)
	p.expectClose(websocket.ClosePolicyViolation)
}

func TestWebSocket_MsgpackSubprotocol(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, protocol.Msgpack)
	bob := h.dial(t, protocol.JSON)

	alice.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	alice.expect(protocol.TypeMembersList)
	bob.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	bob.expect(protocol.TypeMembersList)

	// Mixed codecs interoperate through the relay.
	joined := alice.expect(protocol.TypeMemberJoined)
	if joined.ID != bob.id {
		t.Fatalf("member-joined=%#v", joined)
	}

	// Text frames are refused on a binary subprotocol.
	if err := alice.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	alice.expect(protocol.TypeError)
	alice.expectClose(websocket.CloseUnsupportedData)
}

func TestWebSocket_FloodClosesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{configure: func(c *Config) {
		c.MaxMessagesPerSecond = 2
		c.Clock = newFakeClock()
	}})
	p := h.dial(t, protocol.JSON)

	p.sync()
	p.sync()
	p.send(protocol.Message{Type: protocol.TypeHeartbeat})
	if e := p.expect(protocol.TypeError); e.Code != guard.CodeRateLimited {
		t.Fatalf("error=%#v, want %s", e, guard.CodeRateLimited)
	}
	p.expectClose(websocket.ClosePolicyViolation)
}

func TestWebSocket_OversizedFrameCloses(t *testing.T) {
	h := newHarness(t, harnessOptions{configure: func(c *Config) { c.MaxMessageBytes = 64 }})
	p := h.dial(t, protocol.JSON)

	p.send(protocol.Message{Type: protocol.TypeChatMessage, Text: strings.Repeat("x", 200)})
	p.expectClose(websocket.CloseMessageTooBig)
}

func TestWebSocket_MaxConnections(t *testing.T) {
	h := newHarness(t, harnessOptions{maxConns: 1})
	h.dial(t, protocol.JSON)

	dialer := *websocket.DefaultDialer
	ws, _, err := dialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	p := &testPeer{t: t, ws: ws, codec: protocol.JSON}
	if e := p.expect(protocol.TypeError); e.Code != "unavailable" {
		t.Fatalf("error=%#v, want unavailable", e)
	}
	p.expectClose(CloseTryAgain)
}

func TestWebSocket_RejectsCrossOrigin(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
}

func TestWebSocket_EvictedParticipantIsClosedOnce(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, harnessOptions{regClock: clock})
	alice := h.dial(t, protocol.JSON)
	bob := h.dial(t, protocol.JSON)

	alice.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	alice.expect(protocol.TypeMembersList)
	bob.send(protocol.Message{Type: protocol.TypeJoin, Room: "R1"})
	bob.expect(protocol.TypeMembersList)
	alice.expect(protocol.TypeMemberJoined)

	mon := &liveness.Monitor{
		Sweeper: h.reg,
		Clock:   clock,
		OnEvict: func(id string) { h.dir.Close(id, CloseInactive, "inactive") },
		Logger:  discardLogger(),
	}

	clock.Advance(3 * time.Second)
	alice.sync()
	clock.Advance(3 * time.Second)
	evicted := mon.SweepOnce()
	if len(evicted) != 1 || evicted[0] != bob.id {
		t.Fatalf("evicted=%v, want [bob]", evicted)
	}

	bob.expectClose(CloseInactive)
	left := alice.expect(protocol.TypeMemberLeft)
	if left.ID != bob.id {
		t.Fatalf("member-left=%#v", left)
	}

	// Bob's socket closing afterwards must not announce him again.
	alice.sync()
	alice.send(protocol.Message{Type: protocol.TypeNegotiate, To: bob.id, Description: offer("v=0")})
	alice.sync()
	if got := h.reg.Members("R1"); len(got) != 1 || got[0] != alice.id {
		t.Fatalf("R1 members=%v, want [alice]", got)
	}
}

func TestServerClose_GoingAway(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.dial(t, protocol.JSON)
	h.srv.Close()
	p.expectClose(websocket.CloseGoingAway)
}
