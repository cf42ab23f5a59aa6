// Package webrtcpeer implements peer.Transport on pion/webrtc.
//
// Every session carries one send-receive audio transceiver and a
// pre-negotiated "vichat" data channel. Local candidates are trickled through
// the peer controller as they are gathered.
package webrtcpeer
