package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"peercall/internal/core/domain"
	memrepo "peercall/internal/infrastructure/repositories/memory"
	apperrors "peercall/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCallController_CallIsAnsweredAndConnects(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{CallerName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCalling, call.State())
	assert.Equal(t, domain.DirectionOutgoing, call.Direction())

	incoming := bob.nextIncoming(t)
	assert.Equal(t, domain.ParticipantID("alice"), incoming.From)
	assert.Equal(t, "Alice", incoming.Metadata.CallerName)
	assert.Equal(t, call.CallID(), incoming.Session.CallID())
	assert.Equal(t, call.Key(), incoming.Session.Key())
	assert.Equal(t, domain.StateReceiving, incoming.Session.State())

	offer, ok := incoming.Session.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, domain.SDPTypeOffer, offer.Type)

	require.NoError(t, bob.ctrl.AcceptCall(ctx, incoming.Session))
	assert.Equal(t, domain.StateConnecting, incoming.Session.State())
	_, ok = incoming.Session.PendingOffer()
	assert.False(t, ok, "pending offer is cleared once the call is answered")

	waitState(t, call, domain.StateConnecting)

	alice.media.lastHandle(t).transport(domain.TransportConnected)
	bob.media.lastHandle(t).transport(domain.TransportConnected)

	waitState(t, call, domain.StateActive)
	waitState(t, incoming.Session, domain.StateActive)

	_, ok = call.ActiveAt()
	assert.True(t, ok)
}

func TestCallController_CallerHangsUpBeforeAnswer(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	incoming := bob.nextIncoming(t)

	require.NoError(t, alice.ctrl.EndCall(ctx, call))
	assert.Equal(t, domain.StateEnded, call.State())
	assert.Equal(t, domain.EndReasonLocalHangup, call.EndReason())

	waitState(t, incoming.Session, domain.StateEnded)
	assert.Equal(t, domain.EndReasonRemoteHangup, incoming.Session.EndReason())

	assert.False(t, reachedState(call, domain.StateActive))
	assert.False(t, reachedState(incoming.Session, domain.StateActive))

	assert.Equal(t, domain.EndReasonLocalHangup, alice.nextEnded(t).reason)
	assert.Equal(t, domain.EndReasonRemoteHangup, bob.nextEnded(t).reason)
}

func TestCallController_CancelReachesCalleeInbox(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	inbox := record(t, bus, domain.InboxChannel("bob"))

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	require.NoError(t, alice.ctrl.CancelCall(ctx, call))

	assert.Equal(t, domain.EndReasonLocalHangup, call.EndReason())
	hangup := inbox.waitFor(t, "alice", domain.KindCallEnded)
	assert.Equal(t, call.CallID(), hangup.CallID)
}

func TestCallController_CandidatesBeforeAnswerAreAppliedInOrder(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	pair := domain.PairChannel(call.Key())
	handle := alice.media.lastHandle(t)

	publish(t, bus, pair, domain.NewIceCandidate(call.CallID(), "bob", "alice", domain.IceCandidate{Candidate: "c1"}))
	publish(t, bus, pair, domain.NewIceCandidate(call.CallID(), "bob", "alice", domain.IceCandidate{Candidate: "c2"}))
	publish(t, bus, pair, domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))

	waitState(t, call, domain.StateConnecting)
	require.Eventually(t, func() bool { return len(alice.media.appliedTo(handle.ID())) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"c1", "c2"}, alice.media.appliedTo(handle.ID()))
	assert.Zero(t, alice.media.early(), "no candidate may be applied before the remote description")

	publish(t, bus, pair, domain.NewIceCandidate(call.CallID(), "bob", "alice", domain.IceCandidate{Candidate: "c3"}))
	require.Eventually(t, func() bool { return len(alice.media.appliedTo(handle.ID())) == 3 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"c1", "c2", "c3"}, alice.media.appliedTo(handle.ID()))
}

func TestCallController_LocalCandidatesHeldUntilConnecting(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	pair := domain.PairChannel(call.Key())
	traffic := record(t, bus, pair)
	handle := alice.media.lastHandle(t)

	handle.localCandidate("l1")
	handle.localCandidate("l2")
	assert.Never(t, func() bool { return len(traffic.find("alice", domain.KindIceCandidate)) > 0 },
		100*time.Millisecond, 10*time.Millisecond)

	publish(t, bus, pair, domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))
	require.Eventually(t, func() bool { return len(traffic.find("alice", domain.KindIceCandidate)) == 2 }, waitTimeout, 5*time.Millisecond)

	sent := traffic.find("alice", domain.KindIceCandidate)
	assert.Equal(t, "l1", sent[0].Payload.(domain.IceCandidatePayload).Candidate.Candidate)
	assert.Equal(t, "l2", sent[1].Payload.(domain.IceCandidatePayload).Candidate.Candidate)

	handle.localCandidate("l3")
	require.Eventually(t, func() bool { return len(traffic.find("alice", domain.KindIceCandidate)) == 3 }, waitTimeout, 5*time.Millisecond)
}

func TestCallController_HeldCandidateSendFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	transport := &flakyTransport{SignalingTransport: bus}
	metrics := &countingMetrics{}
	media := newFakeMedia()
	ctrl := NewCallController(testConfig(), "alice", transport, media, memrepo.NewMemorySessionRegistry(), nil, zap.NewNop().Sugar(), metrics)
	require.NoError(t, ctrl.Start(ctx))
	t.Cleanup(func() { ctrl.Close(context.Background()) })

	call, err := ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	pair := domain.PairChannel(call.Key())
	traffic := record(t, bus, pair)
	handle := media.lastHandle(t)

	handle.localCandidate("l1")
	handle.localCandidate("l2")
	transport.setFailing(true)
	publish(t, bus, pair, domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))

	require.Eventually(t, func() bool { return len(metrics.failures()) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []domain.MessageKind{domain.KindIceCandidate, domain.KindIceCandidate}, metrics.failures())
	assert.Equal(t, domain.StateConnecting, call.State())

	transport.setFailing(false)
	handle.localCandidate("l3")
	sent := traffic.waitFor(t, "alice", domain.KindIceCandidate)
	assert.Equal(t, "l3", sent.Payload.(domain.IceCandidatePayload).Candidate.Candidate)
}

func TestCallController_RejectEndsBothSides(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	incoming := bob.nextIncoming(t)

	require.NoError(t, bob.ctrl.RejectCall(ctx, incoming.Session))
	assert.Equal(t, domain.StateEnded, incoming.Session.State())
	assert.Equal(t, domain.EndReasonRejected, incoming.Session.EndReason())

	waitState(t, call, domain.StateEnded)
	assert.Equal(t, domain.EndReasonRejected, call.EndReason())
	assert.Equal(t, 0, bob.media.handleCount(), "rejecting never touches local media")
}

func TestCallController_IgnoresForeignTraffic(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	pair := domain.PairChannel(call.Key())

	publish(t, bus, pair, domain.NewCallEnded(call.CallID(), "bob", "carol"))
	publish(t, bus, pair, domain.NewCallEnded(call.CallID(), "alice", "bob"))
	publish(t, bus, pair, domain.NewCallEnded("another-call", "bob", "alice"))
	publish(t, bus, domain.PairChannel(domain.NewSessionKey("alice", "carol")), domain.NewCallEnded(call.CallID(), "carol", "alice"))
	publish(t, bus, pair, domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))

	waitState(t, call, domain.StateConnecting)
	assert.Empty(t, filterEnded(call.History()))
}

func filterEnded(history []domain.StateChange) []domain.StateChange {
	var out []domain.StateChange
	for _, c := range history {
		if c.To == domain.StateEnded {
			out = append(out, c)
		}
	}
	return out
}

func TestCallController_OneSessionPerPair(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)

	_, err = alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExists))
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	s, ok := alice.ctrl.Session("bob")
	require.True(t, ok)
	assert.Same(t, call, s)
	assert.Equal(t, 1, alice.media.handleCount())

	require.NoError(t, alice.ctrl.EndCall(ctx, call))
	alice.nextEnded(t)

	again, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	assert.NotEqual(t, call.CallID(), again.CallID())
}

func TestCallController_OneSessionPerPairWhileActive(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, answered := connectPair(t, alice, bob)
	handles := alice.media.handleCount()

	_, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExists))

	_, err = bob.ctrl.StartCall(ctx, "alice", domain.CallMetadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	assert.Equal(t, domain.StateActive, call.State())
	assert.Equal(t, domain.StateActive, answered.State())
	assert.Equal(t, handles, alice.media.handleCount())
}

func TestCallController_StartCallValidatesRemote(t *testing.T) {
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	for _, remote := range []domain.ParticipantID{"", "alice", "bad|id"} {
		_, err := alice.ctrl.StartCall(context.Background(), remote, domain.CallMetadata{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput), "remote %q", remote)
	}
	assert.Equal(t, 0, alice.media.handleCount())
}

func TestCallController_CleanupRunsOnce(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	handle := alice.media.lastHandle(t)

	require.NoError(t, alice.ctrl.EndCall(ctx, call))
	err = alice.ctrl.EndCall(ctx, call)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	call.onTerminal(domain.EndReasonRemoteHangup)
	call.onTerminal(domain.EndReasonNegotiationFailed)

	ended := alice.nextEnded(t)
	assert.Same(t, call, ended.session)
	assert.Equal(t, domain.EndReasonLocalHangup, ended.reason)
	assert.Never(t, func() bool { return len(alice.ended) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, 1, alice.media.closeCount(handle.ID()))
	assert.Equal(t, 0, bus.Subscribers(domain.PairChannel(call.Key())))
	_, ok := alice.ctrl.Session("bob")
	assert.False(t, ok)
}

func TestCallController_EndedIsFinal(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	handle := alice.media.lastHandle(t)
	require.NoError(t, alice.ctrl.EndCall(ctx, call))
	<-call.Done()

	call.deliver(domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))
	handle.transport(domain.TransportConnected)
	err = call.do(ctx, domain.EventAccept)
	assert.Error(t, err)

	assert.Equal(t, domain.StateEnded, call.State())
	history := call.History()
	assert.Equal(t, domain.StateEnded, history[len(history)-1].To)
	assert.Len(t, filterEnded(history), 1)
}

func TestCallController_CollisionSmallerIDWins(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	bob := newTestPeer(t, bus, "bob", testConfig())

	outgoing, err := bob.ctrl.StartCall(ctx, "alice", domain.CallMetadata{})
	require.NoError(t, err)

	offer := domain.NewOffer(domain.NewCallID(), "alice", "bob", "v=0 offer", domain.CallMetadata{CallerName: "Alice"})
	publish(t, bus, domain.InboxChannel("bob"), offer)

	incoming := bob.nextIncoming(t)
	assert.Equal(t, offer.CallID, incoming.Session.CallID())
	assert.Equal(t, domain.StateReceiving, incoming.Session.State())

	assert.Equal(t, domain.StateEnded, outgoing.State())
	assert.Equal(t, domain.EndReasonRejected, outgoing.EndReason())

	s, ok := bob.ctrl.Session("alice")
	require.True(t, ok)
	assert.Same(t, incoming.Session, s)
}

func TestCallController_CollisionLargerIDIgnored(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	traffic := record(t, bus, domain.PairChannel(domain.NewSessionKey("alice", "bob")))

	outgoing, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)

	publish(t, bus, domain.InboxChannel("alice"),
		domain.NewOffer(domain.NewCallID(), "bob", "alice", "v=0 offer", domain.CallMetadata{}))

	assert.Never(t, func() bool { return len(alice.incoming) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, domain.StateCalling, outgoing.State())
	assert.Empty(t, traffic.find("alice", domain.KindCallRejected))
}

func TestCallController_RedialSupersedesStaleCall(t *testing.T) {
	bus := newTestBus(t)
	bob := newTestPeer(t, bus, "bob", testConfig())
	traffic := record(t, bus, domain.PairChannel(domain.NewSessionKey("alice", "bob")))
	inbox := domain.InboxChannel("bob")

	first := domain.NewOffer(domain.NewCallID(), "alice", "bob", "v=0 first", domain.CallMetadata{})
	publish(t, bus, inbox, first)
	stale := bob.nextIncoming(t)

	// A retransmitted offer is a no-op.
	publish(t, bus, inbox, first)

	// The hangup for the first call has not arrived yet.
	second := domain.NewOffer(domain.NewCallID(), "alice", "bob", "v=0 second", domain.CallMetadata{})
	publish(t, bus, inbox, second)

	redial := bob.nextIncoming(t)
	assert.Equal(t, second.CallID, redial.Session.CallID())
	assert.Equal(t, domain.StateReceiving, redial.Session.State())

	assert.Equal(t, domain.StateEnded, stale.Session.State())
	assert.Equal(t, domain.EndReasonRemoteHangup, stale.Session.EndReason())
	ended := bob.nextEnded(t)
	assert.Same(t, stale.Session, ended.session)

	s, ok := bob.ctrl.Session("alice")
	require.True(t, ok)
	assert.Same(t, redial.Session, s)

	// The late hangup of the first call leaves the new one alone.
	publish(t, bus, inbox, domain.NewCallEnded(first.CallID, "alice", "bob"))
	assert.Never(t, func() bool { return redial.Session.State() != domain.StateReceiving },
		100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, traffic.find("bob", domain.KindCallRejected))
}

func TestCallController_HangUpAndRedialIsNeverBusy(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, _ := connectPair(t, alice, bob)

	for i := 0; i < 5; i++ {
		require.NoError(t, alice.ctrl.EndCall(ctx, call))

		var err error
		call, err = alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
		require.NoError(t, err)

		incoming := bob.nextIncoming(t)
		require.Equal(t, call.CallID(), incoming.Session.CallID(), "round %d", i)
		require.NoError(t, bob.ctrl.AcceptCall(ctx, incoming.Session))

		waitState(t, call, domain.StateConnecting)
		assert.False(t, reachedState(call, domain.StateEnded), "round %d: redial ended as %s", i, call.EndReason())
	}
}

func TestCallController_RingingTimeout(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	cfg := testConfig()
	cfg.RingingTimeout = 50 * time.Millisecond
	alice := newTestPeer(t, bus, "alice", cfg)
	inbox := record(t, bus, domain.InboxChannel("bob"))

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)

	ended := alice.nextEnded(t)
	assert.Same(t, call, ended.session)
	assert.Equal(t, domain.EndReasonNegotiationFailed, ended.reason)

	hangup := inbox.waitFor(t, "alice", domain.KindCallEnded)
	assert.Equal(t, call.CallID(), hangup.CallID)
}

func TestCallController_TimerStopsOnceActive(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	cfg := testConfig()
	cfg.ConnectTimeout = 80 * time.Millisecond
	alice := newTestPeer(t, bus, "alice", cfg)

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	publish(t, bus, domain.PairChannel(call.Key()), domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))
	waitState(t, call, domain.StateConnecting)

	alice.media.lastHandle(t).transport(domain.TransportConnected)
	waitState(t, call, domain.StateActive)

	assert.Never(t, func() bool { return call.State() != domain.StateActive }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestCallController_CandidateErrorIsReported(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	alice.media.candidateErr = errors.New("malformed candidate")

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)

	errs := make(chan error, 4)
	call.Observe(func(ev domain.CallEvent) {
		if ev.Type == domain.CallEventCandidateError {
			errs <- ev.Err
		}
	})

	pair := domain.PairChannel(call.Key())
	publish(t, bus, pair, domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))
	publish(t, bus, pair, domain.NewIceCandidate(call.CallID(), "bob", "alice", domain.IceCandidate{Candidate: "bad"}))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrCandidateApply)
	case <-time.After(waitTimeout):
		t.Fatal("no candidate error event")
	}
	assert.Equal(t, domain.StateConnecting, call.State())
}

func TestCallController_MediaFailureOnStart(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	inbox := record(t, bus, domain.InboxChannel("bob"))
	alice.media.setAcquireErr(errors.New("camera busy"))

	_, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquireFailed))
	assert.ErrorIs(t, err, domain.ErrMediaAcquireFailed)

	_, ok := alice.ctrl.Session("bob")
	assert.False(t, ok)
	assert.Empty(t, inbox.find("alice", domain.KindOffer))

	alice.media.setAcquireErr(nil)
	_, err = alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	assert.NoError(t, err)
}

func TestCallController_MediaFailureOnAccept(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	incoming := bob.nextIncoming(t)

	bob.media.setAcquireErr(errors.New("microphone denied"))
	err = bob.ctrl.AcceptCall(ctx, incoming.Session)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAcquireFailed))

	assert.Equal(t, domain.StateEnded, incoming.Session.State())
	assert.Equal(t, domain.EndReasonMediaAcquireFailed, incoming.Session.EndReason())

	waitState(t, call, domain.StateEnded)
	assert.Equal(t, domain.EndReasonRemoteHangup, call.EndReason())
}

func TestCallController_OfferPublishFailure(t *testing.T) {
	ctx := context.Background()
	transport := &flakyTransport{SignalingTransport: newTestBus(t)}
	alice := newTestPeer(t, transport, "alice", testConfig())
	transport.setFailing(true)

	_, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingUnavailable))
	assert.ErrorIs(t, err, domain.ErrSignalingUnavailable)

	ended := alice.nextEnded(t)
	assert.Equal(t, domain.EndReasonNegotiationFailed, ended.reason)
	assert.Equal(t, 1, alice.media.closeCount(alice.media.lastHandle(t).ID()))

	_, ok := alice.ctrl.Session("bob")
	assert.False(t, ok)
}

func TestCallController_TransportFailureHangsUp(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())
	bob := newTestPeer(t, bus, "bob", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	incoming := bob.nextIncoming(t)
	require.NoError(t, bob.ctrl.AcceptCall(ctx, incoming.Session))
	waitState(t, call, domain.StateConnecting)

	alice.media.lastHandle(t).transport(domain.TransportConnected)
	waitState(t, call, domain.StateActive)
	alice.media.lastHandle(t).transport(domain.TransportFailed)

	waitState(t, call, domain.StateEnded)
	assert.Equal(t, domain.EndReasonNegotiationFailed, call.EndReason())
	waitState(t, incoming.Session, domain.StateEnded)
	assert.Equal(t, domain.EndReasonRemoteHangup, incoming.Session.EndReason())
}

func TestCallController_RemoteStreamAndEvents(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	call, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	events := call.Events()

	streams := make(chan domain.RemoteStream, 2)
	alice.ctrl.OnRemoteStream(call, func(st domain.RemoteStream) { streams <- st })

	publish(t, bus, domain.PairChannel(call.Key()), domain.NewAnswer(call.CallID(), "bob", "alice", "v=0 answer"))
	waitState(t, call, domain.StateConnecting)
	alice.media.lastHandle(t).remoteTrack("audio")

	select {
	case st := <-streams:
		assert.Equal(t, "audio", st.Kind)
	case <-time.After(waitTimeout):
		t.Fatal("no remote stream")
	}

	require.NoError(t, alice.ctrl.EndCall(ctx, call))

	var last domain.CallEvent
	for ev := range events {
		last = ev
	}
	require.Equal(t, domain.CallEventStateChanged, last.Type)
	assert.Equal(t, domain.StateEnded, last.State.To)
	assert.Equal(t, call.CallID(), last.CallID)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Claim(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	return m.Called(ctx, key, callID).Error(0)
}

func (m *mockRegistry) Release(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	return m.Called(ctx, key, callID).Error(0)
}

func TestCallController_ClaimHeldElsewhere(t *testing.T) {
	bus := newTestBus(t)
	registry := new(mockRegistry)
	key := domain.NewSessionKey("alice", "bob")
	registry.On("Claim", mock.Anything, key, mock.Anything).Return(domain.ErrSessionClaimed)

	alice := newTestPeerWith(t, bus, "alice", testConfig(), registry)

	_, err := alice.ctrl.StartCall(context.Background(), "bob", domain.CallMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExists))
	assert.Equal(t, 0, alice.media.handleCount())

	registry.AssertExpectations(t)
	registry.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestCallController_CloseEndsSessions(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	alice := newTestPeer(t, bus, "alice", testConfig())

	toBob, err := alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	require.NoError(t, err)
	toCarol, err := alice.ctrl.StartCall(ctx, "carol", domain.CallMetadata{})
	require.NoError(t, err)
	assert.Len(t, alice.ctrl.Sessions(), 2)

	require.NoError(t, alice.ctrl.Close(ctx))

	assert.Equal(t, domain.EndReasonLocalHangup, toBob.EndReason())
	assert.Equal(t, domain.EndReasonLocalHangup, toCarol.EndReason())
	assert.Empty(t, alice.ctrl.Sessions())
	assert.Equal(t, 0, bus.Subscribers(domain.InboxChannel("alice")))

	_, err = alice.ctrl.StartCall(ctx, "bob", domain.CallMetadata{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable))
}
