// Package participant joins a room over signaling and keeps one peer session
// per other member.
package participant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adeita/vichat/internal/peer"
	"github.com/adeita/vichat/internal/protocol"
	"github.com/adeita/vichat/internal/signaling"
)

type Config struct {
	Client       *signaling.Client
	NewTransport peer.NewTransportFunc

	InitiatorDelay  time.Duration
	RetryBase       time.Duration
	MaxRetries      int
	DisconnectGrace time.Duration

	// OnPeerEvent receives peer lifecycle transitions.
	OnPeerEvent func(peer.Event)
	// OnMessage receives room traffic: chat, names, membership and errors.
	OnMessage func(protocol.Message)

	Logger *slog.Logger
}

// Agent reacts to room membership. Members listed on join and members that
// join later get a peer session; members that leave lose theirs.
type Agent struct {
	client  *signaling.Client
	peers   *peer.Manager
	log     *slog.Logger
	onMsg   func(protocol.Message)
	joined  chan struct{}
	joinMu  sync.Once
	mu      sync.Mutex
	room    string
	names   map[string]string
	ownName string
}

func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, errors.New("participant: signaling client is required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("participant: transport constructor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("participant_id", cfg.Client.ID())

	m := peer.NewManager(peer.ManagerConfig{
		NewTransport:    cfg.NewTransport,
		Signaler:        cfg.Client,
		InitiatorDelay:  cfg.InitiatorDelay,
		RetryBase:       cfg.RetryBase,
		MaxRetries:      cfg.MaxRetries,
		DisconnectGrace: cfg.DisconnectGrace,
		OnEvent:         cfg.OnPeerEvent,
		Logger:          log,
	})
	m.SetSelf(cfg.Client.ID())

	return &Agent{
		client: cfg.Client,
		peers:  m,
		log:    log,
		onMsg:  cfg.OnMessage,
		joined: make(chan struct{}),
		names:  make(map[string]string),
	}, nil
}

func (a *Agent) ID() string { return a.client.ID() }

func (a *Agent) Peers() *peer.Manager { return a.peers }

// Room is the room the server confirmed, or "" before the first
// members-list.
func (a *Agent) Room() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

// Joined is closed when the first members-list arrives.
func (a *Agent) Joined() <-chan struct{} { return a.joined }

// Name returns the display name another participant announced.
func (a *Agent) Name(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.names[id]
}

func (a *Agent) Join(roomID string) error {
	return a.client.Join(roomID)
}

// Leave leaves the current room and drops every peer session.
func (a *Agent) Leave() error {
	a.mu.Lock()
	roomID := a.room
	a.room = ""
	a.mu.Unlock()
	a.peers.Reset()
	if roomID == "" {
		return nil
	}
	return a.client.Leave(roomID)
}

func (a *Agent) SetName(name string) error {
	if err := a.client.SetName(name); err != nil {
		return err
	}
	a.mu.Lock()
	a.ownName = name
	a.mu.Unlock()
	return nil
}

func (a *Agent) Chat(ctx context.Context, text string) error {
	a.mu.Lock()
	author := a.ownName
	a.mu.Unlock()
	return a.client.Chat(ctx, author, text)
}

// Run dispatches server messages until ctx is done or the connection ends.
// It closes every peer session and the signaling connection on return.
func (a *Agent) Run(ctx context.Context) error {
	defer a.peers.Close()
	defer a.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.client.Incoming():
			if !ok {
				err := a.client.Err()
				if errors.Is(err, signaling.ErrClientClosed) {
					return nil
				}
				return err
			}
			a.handle(msg)
		}
	}
}

func (a *Agent) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeMembersList:
		a.mu.Lock()
		changed := a.room != "" && a.room != msg.Room
		a.room = msg.Room
		a.mu.Unlock()
		if changed {
			a.peers.Reset()
		}
		a.log.Info("joined room", "room", msg.Room, "members", len(msg.Members))
		for _, id := range msg.Members {
			a.addPeer(id)
		}
		a.joinMu.Do(func() { close(a.joined) })

	case protocol.TypeMemberJoined:
		if !a.inRoom(msg.Room) {
			a.log.Debug("ignoring member of another room", "room", msg.Room, "peer_id", msg.ID)
			return
		}
		a.addPeer(msg.ID)

	case protocol.TypeMemberLeft:
		if !a.inRoom(msg.Room) {
			return
		}
		a.peers.RemovePeer(msg.ID)
		a.mu.Lock()
		delete(a.names, msg.ID)
		a.mu.Unlock()

	case protocol.TypeNegotiate:
		if err := a.peers.HandleNegotiation(msg.From, msg.Negotiation()); err != nil {
			a.log.Debug("dropping negotiation", "from", msg.From, "err", err)
		}
		return

	case protocol.TypeNameSet:
		a.mu.Lock()
		a.names[msg.From] = msg.Name
		a.mu.Unlock()

	case protocol.TypeError:
		a.log.Warn("server rejected request", "code", msg.Code, "message", msg.Message)
	}

	if a.onMsg != nil {
		a.onMsg(msg)
	}
}

// inRoom reports whether roomID is the room the server last confirmed.
func (a *Agent) inRoom(roomID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room != "" && a.room == roomID
}

func (a *Agent) addPeer(id string) {
	if id == a.client.ID() {
		return
	}
	if _, err := a.peers.AddPeer(id); err != nil {
		a.log.Warn("failed to create peer session", "peer_id", id, "err", err)
	}
}

// Members returns the ids with a live peer session, sorted.
func (a *Agent) Members() []string {
	return a.peers.Peers()
}
