package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedGenerator(t *testing.T, ttl time.Duration) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "vichat",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		NewSession:     func() string { return "anon" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := fixedGenerator(t, time.Hour)

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got, want := creds.Expires.Unix(), int64(1_700_003_600); got != want {
		t.Fatalf("Expires=%d, want %d", got, want)
	}
	if want := "1700003600:vichat:session123"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerateRandom_UsesSessionSource(t *testing.T) {
	g := fixedGenerator(t, 10*time.Second)
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":vichat:anon") {
		t.Fatalf("Username=%q", creds.Username)
	}

	g, err = NewGenerator(Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, _ := g.GenerateRandom()
	b, _ := g.GenerateRandom()
	if a.Username == b.Username {
		t.Fatalf("random sessions collided: %q", a.Username)
	}
}

func TestGenerate_RejectsColons(t *testing.T) {
	g := fixedGenerator(t, time.Minute)
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for session with ':'")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatalf("expected error for empty session")
	}
}

func TestNewGenerator_Validates(t *testing.T) {
	cases := []Config{
		{TTL: time.Minute, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Minute},
		{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"},
	}
	for _, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestApply_OnlyTouchesTURNServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
	}
	out := Apply(servers, Credentials{Username: "u", Credential: "c"})
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun server got credentials: %#v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn server=%#v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("Apply mutated its input")
	}
}
