package guard

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const forbiddenNameChars = `<>"'&`

// ValidateMessage checks chat text: non-empty after trimming, at most
// MaxMessageLength characters, and free of spam signatures.
func (g *Guard) ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return newError(ErrInvalidMessage, "message is empty")
	}
	if n := utf8.RuneCountInString(text); g.limits.MaxMessageLength > 0 && n > g.limits.MaxMessageLength {
		return newError(ErrInvalidMessage, "message is too long")
	}
	for _, re := range g.spam {
		matched, err := re.MatchString(text)
		// A signature that times out is treated as a match.
		if err != nil || matched {
			return newError(ErrInvalidMessage, "message looks like spam")
		}
	}
	return nil
}

// ValidateName checks a display name and returns it trimmed.
func (g *Guard) ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	if n < g.limits.MinNameLength || n > g.limits.MaxNameLength {
		return "", newError(ErrInvalidName, "display name has an invalid length")
	}
	if strings.ContainsAny(trimmed, forbiddenNameChars) {
		return "", newError(ErrInvalidName, "display name contains forbidden characters")
	}
	return trimmed, nil
}

// ValidateRoomID checks a room identifier and returns it trimmed.
func (g *Guard) ValidateRoomID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", newError(ErrInvalidRoom, "room id is empty")
	}
	if g.limits.MaxRoomIDLength > 0 && utf8.RuneCountInString(trimmed) > g.limits.MaxRoomIDLength {
		return "", newError(ErrInvalidRoom, "room id is too long")
	}
	if !utf8.ValidString(trimmed) || strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", newError(ErrInvalidRoom, "room id contains invalid characters")
	}
	return trimmed, nil
}
