package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	membus "peercall/internal/infrastructure/memory"
	memrepo "peercall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

type fakeHandle struct {
	id     string
	events ports.MediaEvents
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) transport(state domain.TransportState) {
	h.events.OnConnectionStateChange(state)
}

func (h *fakeHandle) localCandidate(c string) {
	h.events.OnLocalIceCandidate(domain.IceCandidate{Candidate: c})
}

func (h *fakeHandle) remoteTrack(kind string) {
	h.events.OnRemoteTrack(domain.RemoteStream{StreamID: "s-" + h.id, TrackID: kind + "-" + h.id, Kind: kind})
}

// fakeMedia records what the session asks of the media endpoint.
type fakeMedia struct {
	mu           sync.Mutex
	seq          int
	acquireErr   error
	offerErr     error
	answerErr    error
	remoteErr    error
	candidateErr error
	handles      []*fakeHandle
	closed       map[string]int
	remoteSet    map[string]bool
	applied      map[string][]string
	earlyApplies int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		closed:    make(map[string]int),
		remoteSet: make(map[string]bool),
		applied:   make(map[string][]string),
	}
}

func (m *fakeMedia) AcquireLocalMedia(ctx context.Context, events ports.MediaEvents) (ports.MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.seq++
	h := &fakeHandle{id: fmt.Sprintf("h%d", m.seq), events: events}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMedia) CreateOffer(ctx context.Context, h ports.MediaHandle) (domain.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerErr != nil {
		return domain.SessionDescription{}, m.offerErr
	}
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer " + h.ID()}, nil
}

func (m *fakeMedia) CreateAnswer(ctx context.Context, h ports.MediaHandle, remote domain.SessionDescription) (domain.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answerErr != nil {
		return domain.SessionDescription{}, m.answerErr
	}
	m.remoteSet[h.ID()] = true
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer " + h.ID()}, nil
}

func (m *fakeMedia) SetRemoteDescription(ctx context.Context, h ports.MediaHandle, desc domain.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteErr != nil {
		return m.remoteErr
	}
	m.remoteSet[h.ID()] = true
	return nil
}

func (m *fakeMedia) AddIceCandidate(ctx context.Context, h ports.MediaHandle, c domain.IceCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remoteSet[h.ID()] {
		m.earlyApplies++
	}
	m.applied[h.ID()] = append(m.applied[h.ID()], c.Candidate)
	return m.candidateErr
}

func (m *fakeMedia) Close(h ports.MediaHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[h.ID()]++
	return nil
}

func (m *fakeMedia) setAcquireErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
}

func (m *fakeMedia) lastHandle(t *testing.T) *fakeHandle {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.handles, "no media acquired")
	return m.handles[len(m.handles)-1]
}

func (m *fakeMedia) handleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *fakeMedia) closeCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[id]
}

func (m *fakeMedia) appliedTo(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied[id]...)
}

func (m *fakeMedia) early() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earlyApplies
}

type endedCall struct {
	session *CallSession
	reason  domain.EndReason
}

type testPeer struct {
	ctrl     *CallController
	media    *fakeMedia
	incoming chan *IncomingCall
	ended    chan endedCall
}

func testConfig() ControllerConfig {
	return ControllerConfig{
		RingingTimeout: 0,
		ConnectTimeout: 0,
		SendTimeout:    time.Second,
	}
}

func newTestBus(t *testing.T) *membus.Bus {
	bus := membus.NewBus(zap.NewNop().Sugar())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func newTestPeer(t *testing.T, transport ports.SignalingTransport, id domain.ParticipantID, cfg ControllerConfig) *testPeer {
	return newTestPeerWith(t, transport, id, cfg, memrepo.NewMemorySessionRegistry())
}

func newTestPeerWith(t *testing.T, transport ports.SignalingTransport, id domain.ParticipantID, cfg ControllerConfig, registry ports.SessionRegistry) *testPeer {
	t.Helper()

	media := newFakeMedia()
	ctrl := NewCallController(cfg, id, transport, media, registry, nil, zap.NewNop().Sugar(), nil)
	p := &testPeer{
		ctrl:     ctrl,
		media:    media,
		incoming: make(chan *IncomingCall, 16),
		ended:    make(chan endedCall, 16),
	}
	ctrl.OnIncomingCall(func(call *IncomingCall) { p.incoming <- call })
	ctrl.OnCallEnded(func(s *CallSession, reason domain.EndReason) { p.ended <- endedCall{s, reason} })

	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		ctrl.Close(ctx)
	})
	return p
}

func (p *testPeer) nextIncoming(t *testing.T) *IncomingCall {
	t.Helper()
	select {
	case call := <-p.incoming:
		return call
	case <-time.After(waitTimeout):
		t.Fatalf("%s: no incoming call", p.ctrl.LocalID())
		return nil
	}
}

func (p *testPeer) nextEnded(t *testing.T) endedCall {
	t.Helper()
	select {
	case e := <-p.ended:
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("%s: no call ended", p.ctrl.LocalID())
		return endedCall{}
	}
}

func waitState(t *testing.T, s *CallSession, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitTimeout, 5*time.Millisecond,
		"session %s: want %s, have %s", s, want, s.State())
}

// connectPair places a call from caller to callee and drives both sides to
// Active.
func connectPair(t *testing.T, caller, callee *testPeer) (*CallSession, *CallSession) {
	t.Helper()
	ctx := context.Background()

	call, err := caller.ctrl.StartCall(ctx, callee.ctrl.LocalID(), domain.CallMetadata{})
	require.NoError(t, err)
	incoming := callee.nextIncoming(t)
	require.NoError(t, callee.ctrl.AcceptCall(ctx, incoming.Session))
	waitState(t, call, domain.StateConnecting)

	caller.media.lastHandle(t).transport(domain.TransportConnected)
	callee.media.lastHandle(t).transport(domain.TransportConnected)
	waitState(t, call, domain.StateActive)
	waitState(t, incoming.Session, domain.StateActive)
	return call, incoming.Session
}

func reachedState(s *CallSession, state domain.CallState) bool {
	for _, change := range s.History() {
		if change.To == state {
			return true
		}
	}
	return false
}

// recorder captures raw traffic on a channel, standing in for a remote peer.
type recorder struct {
	mu   sync.Mutex
	msgs []*domain.SignalingMessage
}

func record(t *testing.T, transport ports.SignalingTransport, channel string) *recorder {
	t.Helper()
	r := &recorder{}
	sub, err := transport.Subscribe(context.Background(), channel, func(msg *domain.SignalingMessage) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return r
}

func (r *recorder) find(from domain.ParticipantID, kind domain.MessageKind) []*domain.SignalingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SignalingMessage
	for _, m := range r.msgs {
		if m.From == from && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, from domain.ParticipantID, kind domain.MessageKind) *domain.SignalingMessage {
	t.Helper()
	var found *domain.SignalingMessage
	require.Eventually(t, func() bool {
		msgs := r.find(from, kind)
		if len(msgs) == 0 {
			return false
		}
		found = msgs[0]
		return true
	}, waitTimeout, 5*time.Millisecond, "no %s from %s", kind, from)
	return found
}

func publish(t *testing.T, transport ports.SignalingTransport, channel string, msg *domain.SignalingMessage) {
	t.Helper()
	require.NoError(t, transport.Publish(context.Background(), channel, msg))
}

// flakyTransport fails every publish while failing is set.
type flakyTransport struct {
	ports.SignalingTransport
	mu      sync.Mutex
	failing bool
}

func (f *flakyTransport) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyTransport) Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return fmt.Errorf("publish %s: connection refused", channel)
	}
	return f.SignalingTransport.Publish(ctx, channel, msg)
}
