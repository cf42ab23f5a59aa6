package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/config"
	"github.com/adeita/vichat/internal/participant"
	"github.com/adeita/vichat/internal/peer"
	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/signaling"
	"github.com/adeita/vichat/internal/webrtcpeer"
)

const (
	dialTimeout     = 10 * time.Second
	iceFetchTimeout = 10 * time.Second
)

func runPeer(ctx context.Context, profile config.ClientProfile, in io.Reader, out io.Writer) error {
	level, err := config.ParseLogLevel(profile.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	codec := protocol.JSON
	if profile.Codec == "msgpack" {
		codec = protocol.Msgpack
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := signaling.Dial(dialCtx, signaling.ClientConfig{
		URL:          profile.Server,
		Codec:        codec,
		ChatInterval: profile.ChatInterval,
		Logger:       logger,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", profile.Server, err)
	}

	iceCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	servers, err := resolveICEServers(iceCtx, &http.Client{Timeout: iceFetchTimeout}, profile, client.ID())
	cancel()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("resolve ice servers: %w", err)
	}
	if profile.Connection == config.ConnectionRelay && len(servers) == 0 {
		_ = client.Close()
		return errors.New("connection=relay requires at least one TURN server")
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		UDPPortMin: profile.UDPPortMin,
		UDPPortMax: profile.UDPPortMax,
		Logger:     logger,
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	p := &printer{w: out}
	newTransport := webrtcpeer.NewTransportFunc(webrtcpeer.SessionConfig{
		API:        api,
		ICEServers: servers,
		RelayOnly:  profile.Connection == config.ConnectionRelay,
		OnTrack: func(remote string, tr *webrtc.TrackRemote) {
			logger.Info("receiving remote track", "peer_id", remote, "kind", tr.Kind().String(), "codec", tr.Codec().MimeType)
		},
		OnData: func(remote string, data []byte) {
			p.printf("[data %s] %s\n", remote, data)
		},
		Logger: logger,
	})

	// A profile value of zero means no retries; the controller treats zero
	// as "use the default".
	maxRetries := profile.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	agent, err := participant.New(participant.Config{
		Client:          client,
		NewTransport:    newTransport,
		InitiatorDelay:  profile.InitiatorDelay,
		RetryBase:       profile.RetryBase,
		MaxRetries:      maxRetries,
		DisconnectGrace: profile.DisconnectGrace,
		OnPeerEvent:     p.peerEvent,
		OnMessage:       p.message,
		Logger:          logger,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	p.printf("connected as %s\n", agent.ID())

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := agent.Join(profile.Room); err != nil {
		_ = client.Close()
		return fmt.Errorf("join: %w", err)
	}
	if profile.Name != "" {
		go func() {
			select {
			case <-agent.Joined():
				if err := agent.SetName(profile.Name); err != nil {
					logger.Warn("failed to set name", "err", err)
				}
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		defer cancelRun()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := handleLine(ctx, agent, scanner.Text(), p); err != nil {
				p.printf("! %v\n", err)
			}
		}
	}()

	err = agent.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if code := signaling.CloseCode(err); code == signaling.CloseInactive {
		return errors.New("evicted by the server for inactivity")
	}
	return err
}

// room is the part of participant.Agent that terminal commands drive.
type room interface {
	Join(roomID string) error
	Leave() error
	SetName(name string) error
	Chat(ctx context.Context, text string) error
	Members() []string
	Room() string
}

func handleLine(ctx context.Context, r room, line string, p *printer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.Chat(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "name":
		if arg == "" {
			return errors.New("usage: /name <name>")
		}
		return r.SetName(arg)
	case "join":
		return r.Join(arg)
	case "leave":
		return r.Leave()
	case "peers":
		members := r.Members()
		if len(members) == 0 {
			p.printf("no peers in %q\n", r.Room())
			return nil
		}
		p.printf("peers in %q: %s\n", r.Room(), strings.Join(members, ", "))
		return nil
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// printer serializes terminal output from the signaling and peer goroutines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) peerEvent(ev peer.Event) {
	if ev.Reason != "" {
		p.printf("* peer %s %s (%s)\n", ev.Peer, ev.State, ev.Reason)
		return
	}
	p.printf("* peer %s %s\n", ev.Peer, ev.State)
}

func (p *printer) message(m protocol.Message) {
	switch m.Type {
	case protocol.TypeMembersList:
		p.printf("* joined room %s with %d other member(s)\n", m.Room, len(m.Members))
	case protocol.TypeMemberJoined:
		p.printf("* %s joined\n", m.ID)
	case protocol.TypeMemberLeft:
		p.printf("* %s left\n", m.ID)
	case protocol.TypeNameSet:
		p.printf("* %s is now known as %s\n", m.From, m.Name)
	case protocol.TypeChatMessage:
		author := m.Author
		if author == "" {
			author = m.From
		}
		p.printf("<%s> %s\n", author, m.Text)
	case protocol.TypeError:
		p.printf("! %s: %s\n", m.Code, m.Message)
	}
}
