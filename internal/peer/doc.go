// Package peer establishes and maintains one WebRTC session per remote
// participant on the client side.
//
// The lower participant id sends the offer after a short delay. Descriptions
// and candidates that cannot be applied are dropped without ending the
// session. Transport failures are retried with exponential backoff, and a
// session that stays disconnected past its grace period is torn down.
package peer
