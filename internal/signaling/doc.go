// Package signaling carries the room protocol over WebSockets: the server
// endpoint at GET /ws and the client used by vichat-peer.
//
// The codec is chosen by subprotocol (JSON text or MessagePack binary
// frames). Each server connection has one reader that dispatches inline and
// one write pump draining a bounded outbox; pings keep idle connections
// honest. Request rejections are answered with an error message and leave
// the connection open, while malformed frames and floods close it with 1008.
package signaling
