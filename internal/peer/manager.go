package peer

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/protocol"
)

var ErrNoSelf = errors.New("peer: own participant id not set")

type ManagerConfig struct {
	NewTransport NewTransportFunc
	Signaler     Signaler

	InitiatorDelay  time.Duration
	RetryBase       time.Duration
	MaxRetries      int
	DisconnectGrace time.Duration

	OnEvent func(Event)
	Logger  *slog.Logger
}

// Manager keeps one Controller per remote participant in the current room.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu     sync.Mutex
	self   string
	peers  map[string]*Controller
	closed bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[string]*Controller),
	}
}

// SetSelf records the id the signaling server assigned. It must be called
// before any peer is added.
func (m *Manager) SetSelf(id string) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
}

func (m *Manager) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// AddPeer returns the controller for remote, creating it if needed.
func (m *Manager) AddPeer(remote string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(remote)
}

func (m *Manager) addLocked(remote string) (*Controller, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.self == "" {
		return nil, ErrNoSelf
	}
	if c, ok := m.peers[remote]; ok {
		return c, nil
	}
	c, err := NewController(Config{
		Self:            m.self,
		Remote:          remote,
		NewTransport:    m.cfg.NewTransport,
		Signaler:        m.cfg.Signaler,
		InitiatorDelay:  m.cfg.InitiatorDelay,
		RetryBase:       m.cfg.RetryBase,
		MaxRetries:      m.cfg.MaxRetries,
		DisconnectGrace: m.cfg.DisconnectGrace,
		OnEvent:         m.cfg.OnEvent,
		Logger:          m.log,
		onClosed:        m.forget,
	})
	if err != nil {
		return nil, err
	}
	m.peers[remote] = c
	return c, nil
}

// forget drops a controller that tore itself down.
func (m *Manager) forget(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[c.Remote()] == c {
		delete(m.peers, c.Remote())
	}
}

func (m *Manager) RemovePeer(remote string) {
	m.mu.Lock()
	c, ok := m.peers[remote]
	delete(m.peers, remote)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// HandleNegotiation routes a payload from another participant, creating its
// controller first when the sender is not known yet.
func (m *Manager) HandleNegotiation(from string, n protocol.Negotiation) error {
	m.mu.Lock()
	c, err := m.addLocked(from)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return c.HandleNegotiation(n)
}

// ReplaceTrack replaces the outgoing track on every peer. Each controller
// applies it on its own queue.
func (m *Manager) ReplaceTrack(track webrtc.TrackLocal) error {
	var errs []error
	for _, c := range m.controllers() {
		if err := c.ReplaceTrack(track); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Peer(remote string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.peers[remote]
	return c, ok
}

// Peers returns the remote ids with a live controller, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset closes every controller but keeps the manager usable, for leaving a
// room.
func (m *Manager) Reset() {
	for _, c := range m.drain(false) {
		c.Close()
	}
}

func (m *Manager) Close() {
	for _, c := range m.drain(true) {
		c.Close()
	}
}

func (m *Manager) drain(closing bool) []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if closing {
		m.closed = true
	}
	out := make([]*Controller, 0, len(m.peers))
	for id, c := range m.peers {
		out = append(out, c)
		delete(m.peers, id)
	}
	return out
}

func (m *Manager) controllers() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.peers))
	for _, c := range m.peers {
		out = append(out, c)
	}
	return out
}
