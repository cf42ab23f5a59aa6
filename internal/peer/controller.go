package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/protocol"
)

const (
	DefaultInitiatorDelay  = time.Second
	DefaultRetryBase       = time.Second
	DefaultMaxRetries      = 2
	DefaultDisconnectGrace = 2500 * time.Millisecond

	// DefaultNegotiationTimeout bounds the wait for an answer to our offer.
	DefaultNegotiationTimeout = 10 * time.Second

	maxPendingCandidates = 256
)

var ErrClosed = errors.New("peer session closed")

// Transport is one WebRTC connection to a remote participant. CreateOffer and
// CreateAnswer also install the result as the local description.
type Transport interface {
	CreateOffer(iceRestart bool) (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.Candidate) error
	ReplaceTrack(track webrtc.TrackLocal) error
	Close() error
}

// TransportEvents are the callbacks a Transport reports through. They may be
// called from any goroutine.
type TransportEvents struct {
	OnCandidate   func(protocol.Candidate)
	OnStateChange func(webrtc.PeerConnectionState)
}

type NewTransportFunc func(remote string, events TransportEvents) (Transport, error)

// Signaler delivers negotiation payloads to another participant through the
// signaling server. signaling.Client implements it.
type Signaler interface {
	SendNegotiation(to string, n protocol.Negotiation) error
}

type Config struct {
	Self   string
	Remote string

	NewTransport NewTransportFunc
	Signaler     Signaler

	InitiatorDelay time.Duration
	RetryBase      time.Duration
	// MaxRetries is the number of retries after a failure. Negative disables
	// retrying; zero selects DefaultMaxRetries.
	MaxRetries      int
	DisconnectGrace time.Duration

	// NegotiationTimeout is how long an offer may go unanswered before it
	// counts as a failure.
	NegotiationTimeout time.Duration

	// OnEvent receives lifecycle transitions in order. It is called
	// synchronously and must not call back into the controller.
	OnEvent func(Event)
	Logger  *slog.Logger

	onClosed func(*Controller)
}

func (c Config) withDefaults() Config {
	if c.InitiatorDelay <= 0 {
		c.InitiatorDelay = DefaultInitiatorDelay
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Controller drives the session with one remote participant. Negotiation,
// transport callbacks and timer expiries all run on the controller's own
// goroutine, one at a time.
type Controller struct {
	cfg       Config
	log       *slog.Logger
	transport Transport
	initiator bool

	ops    *opQueue
	done   chan struct{}
	closed atomic.Bool

	mu             sync.Mutex
	state          State
	initTimer      *time.Timer
	retryTimer     *time.Timer
	graceTimer     *time.Timer
	negotiateTimer *time.Timer

	// Owned by the run goroutine.
	offerPending      bool
	remoteSet         bool
	lastRemoteOffer   string
	pendingCandidates []protocol.Candidate
	failures          int
	transportState    webrtc.PeerConnectionState
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Self == "" || cfg.Remote == "" {
		return nil, errors.New("peer: self and remote ids are required")
	}
	if cfg.Self == cfg.Remote {
		return nil, errors.New("peer: cannot connect to self")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("peer: transport constructor is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peer: signaler is required")
	}
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:       cfg,
		log:       cfg.Logger.With("peer_id", cfg.Remote),
		initiator: ShouldInitiate(cfg.Self, cfg.Remote),
		ops:       newOpQueue(),
		done:      make(chan struct{}),
	}

	t, err := cfg.NewTransport(cfg.Remote, TransportEvents{
		OnCandidate: func(cand protocol.Candidate) {
			c.ops.push(func() { c.signal(protocol.Negotiation{Candidate: &cand}) })
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			c.ops.push(func() { c.onTransportState(s) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", cfg.Remote, err)
	}
	c.transport = t

	go c.run()

	c.setState(StateCreated, "")
	if c.initiator {
		c.schedule(&c.initTimer, cfg.InitiatorDelay, func() { c.sendOffer(false) })
	}
	c.log.Debug("peer session created", "initiator", c.initiator)
	return c, nil
}

func (c *Controller) Remote() string { return c.cfg.Remote }

// Initiator reports whether this side sends the offers.
func (c *Controller) Initiator() bool { return c.initiator }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the controller has been torn down and its goroutine
// has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// HandleNegotiation queues a description or candidate received from the
// remote participant.
func (c *Controller) HandleNegotiation(n protocol.Negotiation) error {
	if err := n.Validate(); err != nil {
		return err
	}
	var op func()
	if n.Description != nil {
		desc := *n.Description
		op = func() { c.applyDescription(desc) }
	} else {
		cand := *n.Candidate
		op = func() { c.applyCandidate(cand) }
	}
	if !c.ops.push(op) {
		return ErrClosed
	}
	return nil
}

// ReplaceTrack swaps the outgoing media track. It runs on the controller's
// queue and returns once the transport has applied it.
func (c *Controller) ReplaceTrack(track webrtc.TrackLocal) error {
	res := make(chan error, 1)
	if !c.ops.push(func() { res <- c.transport.ReplaceTrack(track) }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close tears the session down. It is safe to call more than once and from
// any goroutine.
func (c *Controller) Close() {
	c.teardown("closed")
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		op, ok := c.ops.next()
		if !ok {
			return
		}
		if c.closed.Load() {
			continue
		}
		op()
	}
}

func (c *Controller) teardown(reason string) {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	for _, t := range []**time.Timer{&c.initTimer, &c.retryTimer, &c.graceTimer, &c.negotiateTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.ops.close()
	if err := c.transport.Close(); err != nil {
		c.log.Debug("failed to close transport", "err", err)
	}
	c.emit(StateClosed, reason)
	c.log.Info("peer session closed", "reason", reason)

	if c.cfg.onClosed != nil {
		c.cfg.onClosed(c)
	}
}

func (c *Controller) setState(s State, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.state == s {
		return
	}
	c.state = s
	c.emit(s, reason)
}

func (c *Controller) emit(s State, reason string) {
	if c.cfg.OnEvent == nil {
		return
	}
	c.cfg.OnEvent(Event{Peer: c.cfg.Remote, State: s, At: time.Now(), Reason: reason})
}

// schedule arms *slot to run op on the queue after d, replacing any timer
// already there. Expiries after teardown are ignored by the run loop.
func (c *Controller) schedule(slot **time.Timer, d time.Duration, op func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = time.AfterFunc(d, func() { c.ops.push(op) })
}

func (c *Controller) stopTimer(slot **time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

func (c *Controller) signal(n protocol.Negotiation) {
	if err := c.cfg.Signaler.SendNegotiation(c.cfg.Remote, n); err != nil {
		c.log.Warn("failed to send negotiation", "err", err)
	}
}

func (c *Controller) sendOffer(iceRestart bool) {
	offer, err := c.transport.CreateOffer(iceRestart)
	if err != nil {
		c.log.Warn("failed to create offer", "ice_restart", iceRestart, "err", err)
		c.handleFailure("offer failed")
		return
	}
	c.offerPending = true
	c.setState(StateNegotiating, "")
	c.signal(protocol.Negotiation{Description: &offer})
	c.schedule(&c.negotiateTimer, c.cfg.NegotiationTimeout, c.negotiationExpired)
}

// negotiationExpired fires when our offer was never answered, most likely
// because the relay dropped it or the answer.
func (c *Controller) negotiationExpired() {
	c.stopTimer(&c.negotiateTimer)
	if !c.offerPending || c.transportState == webrtc.PeerConnectionStateConnected {
		return
	}
	c.offerPending = false
	c.handleFailure("negotiation timeout")
}

// discard drops a negotiation step the session cannot use. The session
// carries on.
func (c *Controller) discard(what string, err error) {
	c.log.Debug("discarding negotiation message", "what", what, "err", err)
}

func (c *Controller) applyDescription(desc protocol.SessionDescription) {
	switch desc.Type {
	case "offer":
		if desc.SDP == c.lastRemoteOffer {
			c.discard("offer", errors.New("duplicate offer"))
			return
		}
		if c.offerPending && c.initiator {
			c.discard("offer", errors.New("own offer pending"))
			return
		}
		if err := c.transport.SetRemoteDescription(desc); err != nil {
			c.discard("offer", err)
			return
		}
		c.lastRemoteOffer = desc.SDP
		c.offerPending = false
		c.setState(StateNegotiating, "")
		c.remoteApplied()

		answer, err := c.transport.CreateAnswer()
		if err != nil {
			c.discard("offer", fmt.Errorf("create answer: %w", err))
			return
		}
		c.signal(protocol.Negotiation{Description: &answer})
		c.setState(StateConnecting, "")

	case "answer":
		if !c.offerPending {
			c.discard("answer", errors.New("no offer pending"))
			return
		}
		if err := c.transport.SetRemoteDescription(desc); err != nil {
			c.discard("answer", err)
			return
		}
		c.offerPending = false
		c.stopTimer(&c.negotiateTimer)
		c.remoteApplied()
		c.setState(StateConnecting, "")

	default:
		c.discard("description", fmt.Errorf("unsupported type %q", desc.Type))
	}
}

// remoteApplied flushes candidates that arrived before the first remote
// description, in arrival order.
func (c *Controller) remoteApplied() {
	c.remoteSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	for _, cand := range pending {
		if err := c.transport.AddICECandidate(cand); err != nil {
			c.discard("candidate", err)
		}
	}
}

func (c *Controller) applyCandidate(cand protocol.Candidate) {
	if !c.remoteSet {
		if len(c.pendingCandidates) >= maxPendingCandidates {
			c.discard("candidate", errors.New("too many buffered candidates"))
			return
		}
		c.pendingCandidates = append(c.pendingCandidates, cand)
		return
	}
	if err := c.transport.AddICECandidate(cand); err != nil {
		c.discard("candidate", err)
	}
}

func (c *Controller) onTransportState(s webrtc.PeerConnectionState) {
	c.transportState = s
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		c.setState(StateConnecting, "")

	case webrtc.PeerConnectionStateConnected:
		c.stopTimer(&c.graceTimer)
		c.stopTimer(&c.retryTimer)
		c.stopTimer(&c.negotiateTimer)
		c.failures = 0
		c.setState(StateConnected, "")

	case webrtc.PeerConnectionStateDisconnected:
		c.mu.Lock()
		running := c.graceTimer != nil
		c.mu.Unlock()
		if !running {
			c.log.Debug("peer disconnected, waiting for recovery", "grace", c.cfg.DisconnectGrace)
			c.schedule(&c.graceTimer, c.cfg.DisconnectGrace, c.graceExpired)
		}

	case webrtc.PeerConnectionStateFailed:
		c.stopTimer(&c.graceTimer)
		c.handleFailure("transport failed")
	}
}

func (c *Controller) graceExpired() {
	c.stopTimer(&c.graceTimer)
	if c.transportState == webrtc.PeerConnectionStateConnected {
		return
	}
	c.setState(StateFailed, "disconnected")
	c.teardown("disconnected")
}

// handleFailure retries after RetryBase * 2^attempt and gives up once
// MaxRetries retries have failed.
func (c *Controller) handleFailure(reason string) {
	c.stopTimer(&c.negotiateTimer)
	c.failures++
	c.setState(StateFailed, reason)
	if c.failures > c.cfg.MaxRetries {
		c.log.Info("giving up on peer", "failures", c.failures, "reason", reason)
		c.teardown(reason)
		return
	}
	delay := c.cfg.RetryBase << (c.failures - 1)
	c.log.Info("peer connection failed, retrying", "attempt", c.failures, "delay", delay, "reason", reason)
	c.schedule(&c.retryTimer, delay, c.retry)
}

func (c *Controller) retry() {
	c.stopTimer(&c.retryTimer)
	if c.transportState == webrtc.PeerConnectionStateConnected {
		return
	}
	if !c.initiator {
		c.log.Debug("waiting for restart offer")
		return
	}
	c.sendOffer(true)
}
