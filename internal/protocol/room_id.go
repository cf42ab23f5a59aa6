package protocol

import "github.com/google/uuid"

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	roomIDLength   = 8
)

// roomIDSourceBytes skips the UUID version (6) and variant (8) bytes, which
// are not uniformly random.
var roomIDSourceBytes = [roomIDLength]int{0, 1, 2, 3, 4, 5, 9, 10}

// NewRoomID returns a short, human-shareable room identifier.
func NewRoomID() string {
	u := uuid.New()
	out := make([]byte, roomIDLength)
	for i, idx := range roomIDSourceBytes {
		out[i] = roomIDAlphabet[int(u[idx])%len(roomIDAlphabet)]
	}
	return string(out)
}

// NewParticipantID returns a unique participant identifier.
func NewParticipantID() string {
	return uuid.NewString()
}
