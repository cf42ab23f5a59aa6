package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envVarICEServers     = "VICHAT_ICE_SERVERS"
	envVarSTUNURLs       = "VICHAT_STUN_URLS"
	envVarTURNURLs       = "VICHAT_TURN_URLS"
	envVarTURNUsername   = "VICHAT_TURN_USERNAME"
	envVarTURNCredential = "VICHAT_TURN_CREDENTIAL"
)

// URLList is a list of ICE URLs. A bare string decodes as a single entry,
// matching the RTCIceServer dictionary.
type URLList []string

func (l *URLList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = URLList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ICEServerProfile is one ICE server as written in configuration.
type ICEServerProfile struct {
	URLs       URLList `yaml:"urls"`
	Username   string  `yaml:"username,omitempty"`
	Credential string  `yaml:"credential,omitempty"`
}

// server converts p for pion. credsInjected relaxes the TURN credential
// requirement for servers whose credentials are minted per request.
func (p ICEServerProfile) server(credsInjected bool) (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(p.URLs))
	for _, u := range p.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(p.Username)}
	if cred := strings.TrimSpace(p.Credential); cred != "" {
		s.Credential = cred
	}
	return s, checkICEServer(s, credsInjected)
}

// iceSources are the raw ICE settings from env and flags.
type iceSources struct {
	list           string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

// resolve prefers the structured list, then the STUN/TURN shorthands, then
// DefaultSTUNURL.
func (src iceSources) resolve(credsInjected bool) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(src.list) != "" {
		servers, err := ParseICEServers(src.list, credsInjected)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envVarICEServers, err)
		}
		return servers, nil
	}

	var profiles []ICEServerProfile
	if stun := splitList(src.stunURLs); len(stun) > 0 {
		profiles = append(profiles, ICEServerProfile{URLs: stun})
	}
	if turn := splitList(src.turnURLs); len(turn) > 0 {
		user, cred := strings.TrimSpace(src.turnUsername), strings.TrimSpace(src.turnCredential)
		if (user == "" || cred == "") && !credsInjected {
			return nil, fmt.Errorf("%s and %s are required with %s", envVarTURNUsername, envVarTURNCredential, envVarTURNURLs)
		}
		profiles = append(profiles, ICEServerProfile{URLs: turn, Username: user, Credential: cred})
	}

	servers := make([]webrtc.ICEServer, 0, len(profiles))
	for _, p := range profiles {
		s, err := p.server(credsInjected)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.Join(p.URLs, ","), err)
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultSTUNURL}})
	}
	return servers, nil
}

// ParseICEServers decodes a YAML or JSON list of ICE servers. JSON input is
// accepted as YAML flow syntax.
func ParseICEServers(raw string, credsInjected bool) ([]webrtc.ICEServer, error) {
	var profiles []ICEServerProfile
	dec := yaml.NewDecoder(strings.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&profiles); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(profiles))
	for i, p := range profiles {
		s, err := p.server(credsInjected)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func splitList(value string) URLList {
	var out URLList
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func iceScheme(u string) string {
	scheme, _, ok := strings.Cut(u, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func checkICEServer(s webrtc.ICEServer, credsInjected bool) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}
	needsCreds := false
	for _, u := range s.URLs {
		switch iceScheme(u) {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !needsCreds || credsInjected {
		return nil
	}
	if s.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := s.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
