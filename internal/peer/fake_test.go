package peer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/protocol"
)

type fakeTransport struct {
	mu           sync.Mutex
	events       TransportEvents
	offers       []bool
	answers      int
	remote       []protocol.SessionDescription
	candidates   []string
	tracks       []webrtc.TrackLocal
	closed       int
	rejectRemote bool
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, iceRestart)
	return protocol.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", len(f.offers))}, nil
}

func (f *fakeTransport) CreateAnswer() (protocol.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return protocol.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeTransport) SetRemoteDescription(d protocol.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectRemote {
		return errors.New("rejected")
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeTransport) AddICECandidate(c protocol.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeTransport) ReplaceTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) setState(s webrtc.PeerConnectionState) {
	f.events.OnStateChange(s)
}

type transportCalls struct {
	offers     []bool
	answers    int
	remote     []protocol.SessionDescription
	candidates []string
	tracks     []webrtc.TrackLocal
	closed     int
}

func (f *fakeTransport) snapshot() transportCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportCalls{
		offers:     append([]bool(nil), f.offers...),
		answers:    f.answers,
		remote:     append([]protocol.SessionDescription(nil), f.remote...),
		candidates: append([]string(nil), f.candidates...),
		tracks:     append([]webrtc.TrackLocal(nil), f.tracks...),
		closed:     f.closed,
	}
}

type sent struct {
	to string
	n  protocol.Negotiation
}

type recordingSignaler struct {
	ch chan sent
}

func newRecordingSignaler() *recordingSignaler {
	return &recordingSignaler{ch: make(chan sent, 64)}
}

func (s *recordingSignaler) SendNegotiation(to string, n protocol.Negotiation) error {
	s.ch <- sent{to: to, n: n}
	return nil
}

func (s *recordingSignaler) next(t *testing.T) sent {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for negotiation")
		return sent{}
	}
}

func (s *recordingSignaler) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-s.ch:
		t.Fatalf("unexpected negotiation to %s: %#v", m.to, m.n)
	case <-time.After(wait):
	}
}

type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan Event, 256)} }

func (l *eventLog) record(ev Event) { l.ch <- ev }

func (l *eventLog) expect(t *testing.T, want State) Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		if ev.State != want {
			t.Fatalf("event=%s (%s), want %s", ev.State, ev.Reason, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s event", want)
		return Event{}
	}
}

// waitFor skips events until one in state want arrives.
func (l *eventLog) waitFor(t *testing.T, want State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", want)
			return Event{}
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type controllerHarness struct {
	c      *Controller
	ft     *fakeTransport
	sig    *recordingSignaler
	events *eventLog
}

func newControllerHarness(t *testing.T, self, remote string, mutate func(*Config)) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		ft:     &fakeTransport{},
		sig:    newRecordingSignaler(),
		events: newEventLog(),
	}
	cfg := Config{
		Self:   self,
		Remote: remote,
		NewTransport: func(_ string, ev TransportEvents) (Transport, error) {
			h.ft.events = ev
			return h.ft, nil
		},
		Signaler:        h.sig,
		InitiatorDelay:  10 * time.Millisecond,
		RetryBase:       10 * time.Millisecond,
		DisconnectGrace: 30 * time.Millisecond,
		OnEvent:         h.events.record,
		Logger:          discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	h.c = c
	return h
}

// barrier waits until every operation queued so far has run.
func (h *controllerHarness) barrier(t *testing.T) {
	t.Helper()
	if err := h.c.ReplaceTrack(nil); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func testTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "vichat")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return track
}

func candidate(s string) protocol.Negotiation {
	return protocol.Negotiation{Candidate: &protocol.Candidate{Candidate: s}}
}

func description(typ, sdp string) protocol.Negotiation {
	return protocol.Negotiation{Description: &protocol.SessionDescription{Type: typ, SDP: sdp}}
}
