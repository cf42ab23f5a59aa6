// Package relay routes negotiation payloads and registry notifications to the
// connected participant they are addressed to.
//
// Delivery is at most once. A message for a participant that is not connected,
// or whose outbound queue is full, is dropped and counted; the sender is never
// told.
package relay
