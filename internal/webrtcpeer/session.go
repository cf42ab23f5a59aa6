package webrtcpeer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/peer"
	"github.com/adeita/vichat/internal/protocol"
)

// DataChannelLabel is the pre-negotiated channel every session opens. It
// gives the offer an application section, so a session connects even when
// neither side sends media.
const (
	DataChannelLabel = "vichat"
	dataChannelID    = 0
)

type SessionConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// RelayOnly restricts ICE to TURN candidates.
	RelayOnly bool

	// Track is the initial outgoing audio track. Nil sends silence until
	// ReplaceTrack is called.
	Track webrtc.TrackLocal

	// OnTrack receives remote media.
	OnTrack func(remote string, track *webrtc.TrackRemote)
	// OnData receives messages on the vichat data channel.
	OnData func(remote string, data []byte)

	Logger *slog.Logger
}

// Session is a peer.Transport backed by a pion PeerConnection.
type Session struct {
	remote string
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	dc     *webrtc.DataChannel
	log    *slog.Logger

	close sync.Once
}

var _ peer.Transport = (*Session)(nil)

func NewSession(cfg SessionConfig, remote string, events peer.TransportEvents) (*Session, error) {
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIConfig{Logger: cfg.Logger}); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pcCfg := webrtc.Configuration{ICEServers: cfg.ICEServers}
	if cfg.RelayOnly {
		pcCfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		remote: remote,
		pc:     pc,
		log:    logger.With("peer_id", remote),
	}

	tr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	s.sender = tr.Sender()
	if cfg.Track != nil {
		if err := s.sender.ReplaceTrack(cfg.Track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	negotiated := true
	id := uint16(dataChannelID)
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	s.dc = dc
	if cfg.OnData != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			// Copy because pion reuses internal buffers.
			cfg.OnData(remote, append([]byte(nil), msg.Data...))
		})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(protocol.CandidateFromPion(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state changed", "state", state.String())
		if events.OnStateChange != nil {
			events.OnStateChange(state)
		}
	})
	if cfg.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			cfg.OnTrack(remote, track)
		})
	}

	return s, nil
}

// NewTransportFunc adapts NewSession to peer.NewTransportFunc.
func NewTransportFunc(cfg SessionConfig) peer.NewTransportFunc {
	return func(remote string, events peer.TransportEvents) (peer.Transport, error) {
		return NewSession(cfg, remote, events)
	}
}

func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

func (s *Session) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescriptionFromPion(offer), nil
}

func (s *Session) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescriptionFromPion(answer), nil
}

func (s *Session) SetRemoteDescription(desc protocol.SessionDescription) error {
	d, err := desc.ToPion()
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(d)
}

func (s *Session) AddICECandidate(c protocol.Candidate) error {
	return s.pc.AddICECandidate(c.ToPion())
}

func (s *Session) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

// Send writes to the vichat data channel.
func (s *Session) Send(data []byte) error {
	if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return s.dc.Send(data)
}

func (s *Session) Close() error {
	var err error
	s.close.Do(func() {
		err = s.pc.Close()
	})
	return err
}
