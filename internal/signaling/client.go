package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/adeita/vichat/internal/protocol"
)

var ErrClientClosed = errors.New("signaling client closed")

type ClientConfig struct {
	// URL is the ws:// or wss:// address of the /ws endpoint.
	URL    string
	Codec  protocol.Codec
	Header http.Header
	Dialer *websocket.Dialer

	// ChatInterval spaces outgoing chat messages. Zero disables pacing.
	ChatInterval time.Duration
	SendQueue    int
	Logger       *slog.Logger
}

// Client is a participant's connection to the signaling server. It owns the
// heartbeat ticker, which runs at the interval the server advertises in
// welcome.
type Client struct {
	ws       *websocket.Conn
	codec    protocol.Codec
	out      *outbox
	log      *slog.Logger
	chat     *rate.Limiter
	incoming chan protocol.Message

	id        string
	heartbeat time.Duration
	lastAck   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects and waits for the server's welcome.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSON
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}

	dialer := *cfg.Dialer
	dialer.Subprotocols = []string{cfg.Codec.Subprotocol()}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	if got := ws.Subprotocol(); got != "" && got != cfg.Codec.Subprotocol() {
		_ = ws.Close()
		return nil, fmt.Errorf("server selected unexpected subprotocol %q", got)
	}

	welcome, err := readWelcome(ctx, ws, cfg.Codec)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Client{
		ws:        ws,
		codec:     cfg.Codec,
		out:       newOutbox(cfg.SendQueue),
		log:       cfg.Logger.With("participant_id", welcome.ID),
		incoming:  make(chan protocol.Message, cfg.SendQueue),
		id:        welcome.ID,
		heartbeat: time.Duration(welcome.HeartbeatIntervalMs) * time.Millisecond,
		done:      make(chan struct{}),
	}
	if cfg.ChatInterval > 0 {
		c.chat = rate.NewLimiter(rate.Every(cfg.ChatInterval), 1)
	}

	go c.writePump()
	go c.readPump()
	go c.heartbeatLoop()
	return c, nil
}

func readWelcome(ctx context.Context, ws *websocket.Conn, codec protocol.Codec) (protocol.Message, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to read welcome: %w", err)
	}
	msg, err := protocol.Decode(codec, data, protocol.FromServer)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("invalid welcome: %w", err)
	}
	if msg.Type != protocol.TypeWelcome {
		return protocol.Message{}, fmt.Errorf("expected welcome, got %q", msg.Type)
	}
	return msg, nil
}

// ID is the participant id the server assigned.
func (c *Client) ID() string { return c.id }

func (c *Client) HeartbeatInterval() time.Duration { return c.heartbeat }

// LastAck is when the last heartbeat-ack arrived, or the zero time.
func (c *Client) LastAck() time.Time {
	n := c.lastAck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Incoming delivers every server message except heartbeat-ack. It is closed
// when the connection ends.
func (c *Client) Incoming() <-chan protocol.Message { return c.incoming }

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// CloseCode extracts the WebSocket close code from a client error, or returns
// 0 when the connection did not end with a close frame.
func CloseCode(err error) int {
	if errors.Is(err, ErrClientClosed) {
		return websocket.CloseNormalClosure
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Send validates and queues msg.
func (c *Client) Send(msg protocol.Message) error {
	if err := msg.Validate(protocol.FromClient); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.out.Push(data) {
		return errors.New("signaling send queue full")
	}
	return nil
}

// Join asks to join roomID; an empty id lets the server pick one. The reply
// arrives on Incoming as members-list.
func (c *Client) Join(roomID string) error {
	return c.Send(protocol.Message{Type: protocol.TypeJoin, Room: roomID})
}

func (c *Client) Leave(roomID string) error {
	return c.Send(protocol.Message{Type: protocol.TypeLeave, Room: roomID})
}

func (c *Client) SetName(name string) error {
	return c.Send(protocol.Message{Type: protocol.TypeSetName, Name: name})
}

// Chat waits for the pacing limiter and then sends text.
func (c *Client) Chat(ctx context.Context, author, text string) error {
	if c.chat != nil {
		if err := c.chat.Wait(ctx); err != nil {
			return err
		}
	}
	return c.Send(protocol.Message{
		Type:      protocol.TypeChatMessage,
		Author:    author,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendNegotiation relays a description or candidate to another participant.
func (c *Client) SendNegotiation(to string, n protocol.Negotiation) error {
	return c.Send(protocol.Message{
		Type:        protocol.TypeNegotiate,
		To:          to,
		Description: n.Description,
		Candidate:   n.Candidate,
	})
}

// Close sends a normal close and waits briefly for it to be written.
func (c *Client) Close() error {
	c.out.PushClose(websocket.CloseNormalClosure, "")
	select {
	case <-c.done:
	case <-time.After(2 * wsWriteWait):
		c.finish(ErrClientClosed)
	}
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.out.Close()
		_ = c.ws.Close()
	})
}

func (c *Client) writePump() {
	writeFrames(c.ws, c.out, c.codec.Binary())
	// Unblock the reader if the server never answers our close.
	time.AfterFunc(wsWriteWait, func() { c.finish(ErrClientClosed) })
}

func (c *Client) readPump() {
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClientClosed
			}
			c.finish(err)
			return
		}
		msg, err := protocol.Decode(c.codec, data, protocol.FromServer)
		if err != nil {
			c.log.Warn("dropping invalid signaling message", "err", err)
			continue
		}
		if msg.Type == protocol.TypeHeartbeatAck {
			c.lastAck.Store(time.Now().UnixNano())
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	if c.heartbeat <= 0 {
		return
	}
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.Send(protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
				if errors.Is(err, ErrClientClosed) {
					return
				}
				c.log.Warn("failed to queue heartbeat", "err", err)
			}
		}
	}
}
