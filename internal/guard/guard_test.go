package guard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestCheckMessage_EleventhMessageInMinuteRejected(t *testing.T) {
	g := newTestGuard(t)
	start := time.Unix(1000, 0)
	a := NewActivity(start)

	for i := 0; i < 10; i++ {
		if err := g.CheckMessage(a, start.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("message %d rejected: %v", i+1, err)
		}
	}
	err := g.CheckMessage(a, start.Add(10*time.Second))
	if !errors.Is(err, ErrMessageRateLimited) {
		t.Fatalf("11th message err=%v, want %v", err, ErrMessageRateLimited)
	}

	// Once the minute window has elapsed the participant may send again.
	if err := g.CheckMessage(a, start.Add(61*time.Second)); err != nil {
		t.Fatalf("message after window reset rejected: %v", err)
	}
	if a.Messages.Count != 1 {
		t.Fatalf("Messages.Count=%d, want 1 after reset", a.Messages.Count)
	}
}

func TestCheckMessage_MinimumIntervalRejectedRegardlessOfCounter(t *testing.T) {
	g := newTestGuard(t)
	start := time.Unix(1000, 0)
	a := NewActivity(start)

	if err := g.CheckMessage(a, start); err != nil {
		t.Fatalf("first message rejected: %v", err)
	}
	err := g.CheckMessage(a, start.Add(500*time.Millisecond))
	if !errors.Is(err, ErrMessageTooSoon) {
		t.Fatalf("err=%v, want %v", err, ErrMessageTooSoon)
	}
	if a.Messages.Count != 1 {
		t.Fatalf("rejected message changed counter: %d", a.Messages.Count)
	}
	if err := g.CheckMessage(a, start.Add(1000*time.Millisecond)); err != nil {
		t.Fatalf("message at exactly the minimum interval rejected: %v", err)
	}
}

func TestCheckJoin_HourlyLimit(t *testing.T) {
	g := newTestGuard(t)
	start := time.Unix(1000, 0)
	a := NewActivity(start)

	for i := 0; i < DefaultMaxRoomJoinsPerHour; i++ {
		if err := g.CheckJoin(a, start.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("join %d rejected: %v", i+1, err)
		}
	}
	err := g.CheckJoin(a, start.Add(10*time.Minute))
	if !errors.Is(err, ErrJoinRateLimited) {
		t.Fatalf("err=%v, want %v", err, ErrJoinRateLimited)
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Code != CodeJoinRateLimited {
		t.Fatalf("err=%#v, want code %q", err, CodeJoinRateLimited)
	}
	if err := g.CheckJoin(a, start.Add(time.Hour+time.Millisecond)); err != nil {
		t.Fatalf("join after hour window rejected: %v", err)
	}
}

func TestValidateName(t *testing.T) {
	g := newTestGuard(t)

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{name: "minimum", input: "ab", want: "ab", ok: true},
		{name: "trimmed", input: "  alice  ", want: "alice", ok: true},
		{name: "maximum", input: strings.Repeat("x", 20), want: strings.Repeat("x", 20), ok: true},
		{name: "unicode", input: "Алиса", want: "Алиса", ok: true},
		{name: "empty", input: ""},
		{name: "single", input: "a"},
		{name: "whitespace padded single", input: "  a  "},
		{name: "too long", input: strings.Repeat("x", 21)},
		{name: "markup", input: "<script>"},
		{name: "ampersand", input: "tom & jerry"},
		{name: "quote", input: `o"neil`},
		{name: "apostrophe", input: "o'neil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.ValidateName(tt.input)
			if tt.ok {
				if err != nil {
					t.Fatalf("ValidateName(%q) err=%v", tt.input, err)
				}
				if got != tt.want {
					t.Fatalf("ValidateName(%q)=%q, want %q", tt.input, got, tt.want)
				}
				return
			}
			if !errors.Is(err, ErrInvalidName) {
				t.Fatalf("ValidateName(%q) err=%v, want %v", tt.input, err, ErrInvalidName)
			}
		})
	}
}

func TestValidateMessage(t *testing.T) {
	g := newTestGuard(t)

	maxLen := strings.Repeat("ab ", 166) + "ab"
	if len(maxLen) != 500 {
		t.Fatalf("fixture length=%d", len(maxLen))
	}

	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{name: "plain", input: "hello there", ok: true},
		{name: "ten identical", input: strings.Repeat("a", 10), ok: true},
		{name: "nine uppercase", input: "HELLOWORL", ok: true},
		{name: "nine digits", input: "123456789", ok: true},
		{name: "max length", input: maxLen, ok: true},
		{name: "empty", input: ""},
		{name: "blank", input: "   \t "},
		{name: "too long", input: maxLen + "x"},
		{name: "eleven identical", input: "wow" + strings.Repeat("!", 11)},
		{name: "url", input: "see https://example.com/x"},
		{name: "plain http url", input: "http://a"},
		{name: "shouting", input: "HELLOWORLD"},
		{name: "digits", input: "call 1234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.ValidateMessage(tt.input)
			if tt.ok && err != nil {
				t.Fatalf("ValidateMessage(%q) err=%v", tt.input, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("ValidateMessage(%q) err=%v, want %v", tt.input, err, ErrInvalidMessage)
			}
		})
	}
}

func TestValidateRoomID(t *testing.T) {
	g := newTestGuard(t)

	if got, err := g.ValidateRoomID(" R1 "); err != nil || got != "R1" {
		t.Fatalf("ValidateRoomID=%q,%v, want R1", got, err)
	}
	for _, bad := range []string{"", "  ", strings.Repeat("r", DefaultMaxRoomIDLength+1), "a\nb"} {
		if _, err := g.ValidateRoomID(bad); !errors.Is(err, ErrInvalidRoom) {
			t.Fatalf("ValidateRoomID(%q) err=%v, want %v", bad, err, ErrInvalidRoom)
		}
	}
}

func TestNew_RejectsInvalidSignature(t *testing.T) {
	limits := DefaultLimits()
	limits.SpamSignatures = []string{"("}
	if _, err := New(limits); err == nil {
		t.Fatalf("expected error for invalid signature")
	}
}

func TestIsRejection(t *testing.T) {
	g := newTestGuard(t)
	_, err := g.ValidateName("a")
	if !IsRejection(err) {
		t.Fatalf("IsRejection(%v)=false", err)
	}
	if IsRejection(errors.New("boom")) {
		t.Fatalf("plain error classified as rejection")
	}
}
