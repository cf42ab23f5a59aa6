// Package turnrest issues short-lived TURN credentials in the coturn REST
// format so browsers and vichat-peer never see the shared secret.
//
//	username   = <unix_expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewSession are test hooks.
	Now        func() time.Time
	NewSession func() string
}

type Generator struct {
	secret     []byte
	ttl        time.Duration
	prefix     string
	now        func() time.Time
	newSession func() string
}

type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	Expires    time.Time `json:"expires"`
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("shared secret is required")
	case cfg.TTL < time.Second:
		return nil, errors.New("ttl must be at least 1s")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("username prefix must not contain ':'")
	}
	g := &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttl:        cfg.TTL,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSession: cfg.NewSession,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newSession == nil {
		g.newSession = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return g, nil
}

// Generate returns credentials bound to session, typically a participant id.
func (g *Generator) Generate(session string) (Credentials, error) {
	if session == "" {
		return Credentials{}, errors.New("session is required")
	}
	if strings.Contains(session, ":") {
		return Credentials{}, errors.New("session must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, session)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// GenerateRandom returns credentials for a fresh anonymous session.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newSession())
}

// Apply copies servers, setting creds on every entry that has a TURN URL.
// STUN entries are returned unchanged.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if IsTURN(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

// IsTURN reports whether server lists a turn: or turns: URL.
func IsTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
