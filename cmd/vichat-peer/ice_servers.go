package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/config"
)

const maxICEResponseBytes = 64 << 10

// iceEndpoint maps the signaling URL to the server's /webrtc/ice endpoint on
// the same host.
func iceEndpoint(signalingURL, participantID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(signalingURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported signaling scheme %q", u.Scheme)
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""
	u.Fragment = ""
	if participantID != "" {
		u.RawQuery = url.Values{"participant": {participantID}}.Encode()
	}
	return u.String(), nil
}

type iceResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

func fetchICEServers(ctx context.Context, client *http.Client, endpoint string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}

	var body iceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	out := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out, nil
}

// resolveICEServers prefers the profile's servers and otherwise asks the
// signaling server. The result is filtered to what the connection type may
// use.
func resolveICEServers(ctx context.Context, client *http.Client, profile config.ClientProfile, participantID string) ([]webrtc.ICEServer, error) {
	servers, err := profile.PeerICEServers()
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		endpoint, err := iceEndpoint(profile.Server, participantID)
		if err != nil {
			return nil, err
		}
		servers, err = fetchICEServers(ctx, client, endpoint)
		if err != nil {
			return nil, err
		}
	}
	return config.FilterICEServers(servers, profile.Connection), nil
}
