package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/metrics"
	"github.com/adeita/vichat/internal/origin"
	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/ratelimit"
	"github.com/adeita/vichat/internal/relay"
	"github.com/adeita/vichat/internal/room"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueue            = 64
)

type Config struct {
	Registry  *room.Registry
	Directory *relay.Directory

	// Origin guards the upgrade. The zero Policy admits same-host origins
	// and clients that send no Origin header.
	Origin origin.Policy

	// HeartbeatInterval is advertised to clients in welcome.
	HeartbeatInterval time.Duration

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueue            int

	// Clock drives the per-connection flood guard.
	Clock   ratelimit.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the /ws endpoint. Each connection gets a participant id, is
// registered with the directory and the registry, and has its messages
// dispatched to the registry or relayed to another participant.
type Server struct {
	cfg     Config
	reg     *room.Registry
	dir     *relay.Directory
	metrics *metrics.Metrics
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("signaling: registry is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("signaling: directory is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cfg.Directory.Metrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		reg:     cfg.Registry,
		dir:     cfg.Directory,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		conns:   make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: protocol.Subprotocols(),
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origin.Check(r.Header.Get("Origin"), r.Host)
			return ok
		},
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleWebSocket(w, r)
		return
	}
	http.NotFound(w, r)
}

// Close drops every open connection with 1001 (going away).
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	codec, err := protocol.CodecFor(ws.Subprotocol())
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}

	c := newConn(protocol.NewParticipantID(), ws, codec, s.cfg.SendQueue, s.log)
	go c.writePump()
	defer c.shutdown()

	if !s.track(c) {
		c.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	if err := s.dir.Register(c.id, c); err != nil {
		c.log.Warn("rejecting signaling connection", "err", err)
		c.fail("unavailable", err.Error(), CloseTryAgain, "try again later")
		return
	}
	if err := s.reg.Connect(c.id); err != nil {
		s.dir.Unregister(c.id, c)
		c.log.Error("failed to register participant", "err", err)
		c.fail("internal_error", "failed to register participant", websocket.CloseInternalServerErr, "internal error")
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	c.log.Info("participant connected", "remote_addr", r.RemoteAddr, "subprotocol", codec.Subprotocol())

	defer func() {
		s.reg.Disconnect(c.id)
		s.dir.Unregister(c.id, c)
		s.metrics.Inc(metrics.ConnectionsClosed)
		c.log.Info("participant disconnected")
	}()

	go c.keepalive(s.cfg.PingInterval)

	c.Send(protocol.Message{
		Type:                protocol.TypeWelcome,
		ID:                  c.id,
		HeartbeatIntervalMs: s.cfg.HeartbeatInterval.Milliseconds(),
	})
	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	idle := s.cfg.IdleTimeout
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	rate := int64(s.cfg.MaxMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, rate, rate)

	wantType := websocket.TextMessage
	if c.codec.Binary() {
		wantType = websocket.BinaryMessage
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.Inc(metrics.BadMessage)
				c.Close(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.log.Debug("signaling connection idle")
				c.Close(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.log.Debug("signaling read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the close frame is not lost to a reset
		// caused by unread data.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(guard.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != wantType {
			s.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", "unexpected frame type for subprotocol", websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}
		msg, err := protocol.Decode(c.codec, data, protocol.FromClient)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *conn, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.metrics.Inc(metrics.HandlerPanic)
			c.log.Error("panic in signaling handler", "type", msg.Type, "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	switch msg.Type {
	case protocol.TypeJoin:
		roomID := msg.Room
		if roomID == "" {
			roomID = protocol.NewRoomID()
		}
		_, err := s.reg.JoinWith(c.id, roomID, func(joined string, members []string) {
			c.Send(protocol.Message{Type: protocol.TypeMembersList, Room: joined, Members: members})
		})
		if err != nil {
			s.reject(c, msg.Type, err)
		}

	case protocol.TypeLeave:
		if err := s.reg.Leave(c.id, msg.Room); err != nil {
			s.reject(c, msg.Type, err)
		}

	case protocol.TypeHeartbeat:
		if err := s.reg.Heartbeat(c.id); err != nil {
			s.reject(c, msg.Type, err)
			return
		}
		c.Send(protocol.Message{Type: protocol.TypeHeartbeatAck})

	case protocol.TypeSetName:
		if err := s.reg.SetName(c.id, msg.Name); err != nil {
			s.reject(c, msg.Type, err)
		}

	case protocol.TypeChatMessage:
		ts := msg.Timestamp
		if ts == 0 {
			ts = s.reg.Now().UnixMilli()
		}
		if err := s.reg.Chat(c.id, room.Chat{Author: msg.Author, Text: msg.Text, Timestamp: ts}); err != nil {
			s.reject(c, msg.Type, err)
		}

	case protocol.TypeNegotiate:
		s.dir.Relay(c.id, msg.To, msg.Negotiation())

	default:
		// Decode only admits client message types.
		c.log.Warn("unhandled signaling message", "type", msg.Type)
	}
}

// reject answers a refused request with an error message. The connection
// stays open.
func (s *Server) reject(c *conn, t protocol.Type, err error) {
	var gerr *guard.Error
	switch {
	case errors.As(err, &gerr):
		c.log.Debug("signaling request rejected", "type", t, "code", gerr.Code, "reason", gerr.Reason)
		c.Send(protocol.Message{Type: protocol.TypeError, Code: gerr.Code, Message: gerr.Reason})
	case errors.Is(err, room.ErrUnknownParticipant):
		// Evicted by the liveness monitor; the close is already queued.
		c.log.Debug("request from evicted participant", "type", t)
	default:
		c.log.Error("signaling request failed", "type", t, "err", err)
		c.Send(protocol.Message{Type: protocol.TypeError, Code: "internal_error", Message: "request failed"})
	}
}
