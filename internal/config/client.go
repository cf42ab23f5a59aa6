package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/turnrest"
)

// ConnectionType selects which ICE candidates a peer may use.
type ConnectionType string

const (
	// ConnectionAll uses any candidate pair.
	ConnectionAll ConnectionType = "all"
	// ConnectionDirect uses STUN servers only, never TURN.
	ConnectionDirect ConnectionType = "direct"
	// ConnectionRelay forces every media path through TURN.
	ConnectionRelay ConnectionType = "relay"
)

const (
	DefaultClientServer    = "ws://localhost:3001/ws"
	DefaultInitiatorDelay  = 1 * time.Second
	DefaultRetryBase       = 1 * time.Second
	DefaultMaxRetries      = 2
	DefaultDisconnectGrace = 2500 * time.Millisecond
	DefaultChatInterval    = guard.DefaultMinMessageInterval
)

// ClientProfile configures vichat-peer. It is read from YAML and then
// overridden by explicitly set command-line flags.
type ClientProfile struct {
	Server     string         `yaml:"server"`
	Room       string         `yaml:"room,omitempty"`
	Name       string         `yaml:"name,omitempty"`
	Codec      string         `yaml:"codec,omitempty"`
	Connection ConnectionType `yaml:"connection,omitempty"`
	LogLevel   string         `yaml:"log_level,omitempty"`

	// ICEServers replaces the list fetched from the server's /webrtc/ice
	// endpoint when non-empty.
	ICEServers []ICEServerProfile `yaml:"ice_servers,omitempty"`

	UDPPortMin uint16 `yaml:"udp_port_min,omitempty"`
	UDPPortMax uint16 `yaml:"udp_port_max,omitempty"`

	InitiatorDelay  time.Duration `yaml:"initiator_delay,omitempty"`
	RetryBase       time.Duration `yaml:"retry_base,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace,omitempty"`

	// ChatInterval paces outgoing chat messages so they stay under the
	// server's minimum message interval.
	ChatInterval time.Duration `yaml:"chat_interval,omitempty"`
}

func DefaultClientProfile() ClientProfile {
	return ClientProfile{
		Server:          DefaultClientServer,
		Codec:           "json",
		Connection:      ConnectionAll,
		LogLevel:        "info",
		InitiatorDelay:  DefaultInitiatorDelay,
		RetryBase:       DefaultRetryBase,
		MaxRetries:      DefaultMaxRetries,
		DisconnectGrace: DefaultDisconnectGrace,
		ChatInterval:    DefaultChatInterval,
	}
}

// LoadClientProfile reads a YAML profile on top of the defaults. Unknown keys
// are rejected.
func LoadClientProfile(path string) (ClientProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseClientProfile(data)
}

func ParseClientProfile(data []byte) (ClientProfile, error) {
	p := DefaultClientProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return ClientProfile{}, fmt.Errorf("failed to parse profile: %w", err)
	}
	return p, nil
}

// Validate checks the profile after flags have been applied.
func (p ClientProfile) Validate() error {
	u, err := url.Parse(strings.TrimSpace(p.Server))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server %q: expected ws:// or wss://", p.Server)
	}
	if u.Host == "" {
		return fmt.Errorf("server %q: missing host", p.Server)
	}
	switch p.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("codec %q: expected json or msgpack", p.Codec)
	}
	switch p.Connection {
	case ConnectionAll, ConnectionDirect, ConnectionRelay:
	default:
		return fmt.Errorf("connection %q: expected all, direct or relay", p.Connection)
	}
	if _, err := parseLogLevel(p.LogLevel); err != nil {
		return err
	}
	if (p.UDPPortMin == 0) != (p.UDPPortMax == 0) {
		return errors.New("udp_port_min and udp_port_max must be set together (or both unset)")
	}
	if p.UDPPortMin > p.UDPPortMax {
		return fmt.Errorf("udp port range min (%d) must be <= max (%d)", p.UDPPortMin, p.UDPPortMax)
	}
	if p.InitiatorDelay < 0 {
		return errors.New("initiator_delay must be >= 0")
	}
	if p.RetryBase <= 0 {
		return errors.New("retry_base must be > 0")
	}
	if p.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if p.DisconnectGrace <= 0 {
		return errors.New("disconnect_grace must be > 0")
	}
	if p.ChatInterval < 0 {
		return errors.New("chat_interval must be >= 0")
	}
	if _, err := p.PeerICEServers(); err != nil {
		return err
	}
	return nil
}

// PeerICEServers converts the profile's ICE servers for pion.
func (p ClientProfile) PeerICEServers() ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(p.ICEServers))
	for i, s := range p.ICEServers {
		server, err := s.server(false)
		if err != nil {
			return nil, fmt.Errorf("ice_servers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// FilterICEServers drops the servers that the connection type may not use.
// Direct keeps STUN only; relay keeps TURN only.
func FilterICEServers(servers []webrtc.ICEServer, ct ConnectionType) []webrtc.ICEServer {
	if ct == ConnectionAll || ct == "" {
		return servers
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if turnrest.IsTURN(s) == (ct == ConnectionRelay) {
			out = append(out, s)
		}
	}
	return out
}
