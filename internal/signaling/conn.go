package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Close codes beyond RFC 6455. 4000-4999 are reserved for applications.
const (
	CloseInactive = 4000
	CloseTryAgain = 1013
)

// conn is the server side of one participant's WebSocket. Every write goes
// through the outbox and the write pump; only control frames bypass it.
type conn struct {
	id    string
	ws    *websocket.Conn
	codec protocol.Codec
	out   *outbox
	log   *slog.Logger

	pumpDone chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

var _ relay.Endpoint = (*conn)(nil)

func newConn(id string, ws *websocket.Conn, codec protocol.Codec, queue int, logger *slog.Logger) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		codec:    codec,
		out:      newOutbox(queue),
		log:      logger.With("participant_id", id),
		pumpDone: make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Send implements relay.Endpoint.
func (c *conn) Send(msg protocol.Message) bool {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		c.log.Error("failed to encode signaling message", "type", msg.Type, "err", err)
		return false
	}
	return c.out.Push(data)
}

// Close implements relay.Endpoint. Frames queued before the close are still
// written.
func (c *conn) Close(code int, reason string) {
	c.out.PushClose(code, reason)
}

// fail reports an error to the client and closes the connection after it.
func (c *conn) fail(code, message string, closeCode int, closeReason string) {
	c.Send(protocol.Message{Type: protocol.TypeError, Code: code, Message: message})
	c.Close(closeCode, closeReason)
}

func (c *conn) writePump() {
	defer close(c.pumpDone)
	writeFrames(c.ws, c.out, c.codec.Binary())
	_ = c.ws.Close()
}

func (c *conn) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.pumpDone:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// shutdown flushes the outbox with a normal close (unless a close is already
// queued), waits briefly for the pump, then releases the socket.
func (c *conn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.out.PushClose(websocket.CloseNormalClosure, "")
		select {
		case <-c.pumpDone:
		case <-time.After(2 * wsWriteWait):
			c.out.Close()
		}
		_ = c.ws.Close()
	})
}

// writeFrames drains q onto ws until a close frame is written, a write fails
// or q is closed.
func writeFrames(ws *websocket.Conn, q *outbox, binary bool) {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	for {
		f, ok := q.Pop()
		if !ok {
			return
		}
		if f.close {
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeReason), time.Now().Add(wsWriteWait))
			q.Close()
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := ws.WriteMessage(msgType, f.data); err != nil {
			q.Close()
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
