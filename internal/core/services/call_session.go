package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"

	"go.uber.org/zap"
)

type sessionEventKind int

const (
	evOperation sessionEventKind = iota
	evMessage
	evLocalCandidate
	evRemoteTrack
	evTransportState
	evTimeout
)

type sessionEvent struct {
	kind      sessionEventKind
	op        domain.TransitionEvent
	handle    ports.MediaHandle
	msg       *domain.SignalingMessage
	candidate domain.IceCandidate
	stream    domain.RemoteStream
	transport domain.TransportState
	timer     uint64
	ctx       context.Context
	reply     chan error
}

// CallSession is one negotiation attempt between the local participant and
// one remote participant. All mutations happen on the session's own event
// loop; the exported accessors are safe to call from any goroutine.
type CallSession struct {
	key       domain.SessionKey
	callID    domain.CallID
	local     domain.ParticipantID
	remote    domain.ParticipantID
	direction domain.Direction
	metadata  domain.CallMetadata
	createdAt time.Time

	ctrl   *CallController
	logger *zap.SugaredLogger

	mu           sync.RWMutex
	state        domain.CallState
	endReason    domain.EndReason
	pendingOffer *domain.SessionDescription
	history      []domain.StateChange
	activeAt     time.Time
	observers    map[uint64]func(domain.CallEvent)
	nextObserver uint64

	// Owned by the event loop.
	ctx      context.Context
	cancel   context.CancelFunc
	handle   ports.MediaHandle
	inbound  *IceQueue
	outbound *IceQueue
	sub      ports.Subscription
	timer    *time.Timer
	timerSeq uint64

	events   *mailbox[sessionEvent]
	notifier *notifier
	cleanup  sync.Once
	done     chan struct{}
}

func newCallSession(c *CallController, remote domain.ParticipantID, callID domain.CallID, dir domain.Direction, meta domain.CallMetadata) *CallSession {
	key := domain.NewSessionKey(c.localID, remote)
	logger := c.logger.With("call_id", callID, "session_key", key, "remote", remote, "direction", dir)
	ctx, cancel := context.WithCancel(context.Background())

	return &CallSession{
		key:       key,
		callID:    callID,
		local:     c.localID,
		remote:    remote,
		direction: dir,
		metadata:  meta,
		createdAt: time.Now(),
		ctrl:      c,
		logger:    logger,
		state:     domain.StateIdle,
		observers: make(map[uint64]func(domain.CallEvent)),
		ctx:       ctx,
		cancel:    cancel,
		inbound:   NewIceQueue(),
		outbound:  NewIceQueue(),
		events:    newMailbox[sessionEvent](),
		notifier:  newNotifier(logger),
		done:      make(chan struct{}),
	}
}

func (s *CallSession) Key() domain.SessionKey           { return s.key }
func (s *CallSession) CallID() domain.CallID            { return s.callID }
func (s *CallSession) Local() domain.ParticipantID      { return s.local }
func (s *CallSession) Remote() domain.ParticipantID     { return s.remote }
func (s *CallSession) Direction() domain.Direction      { return s.direction }
func (s *CallSession) Metadata() domain.CallMetadata    { return s.metadata }
func (s *CallSession) CreatedAt() time.Time             { return s.createdAt }
func (s *CallSession) Done() <-chan struct{}            { return s.done }
func (s *CallSession) String() string                   { return fmt.Sprintf("%s(%s)", s.key, s.callID) }

func (s *CallSession) State() domain.CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CallSession) EndReason() domain.EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// PendingOffer returns the remote offer while the session is Receiving.
func (s *CallSession) PendingOffer() (domain.SessionDescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingOffer == nil {
		return domain.SessionDescription{}, false
	}
	return *s.pendingOffer, true
}

// History returns every state change the session went through, oldest first.
func (s *CallSession) History() []domain.StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StateChange, len(s.history))
	copy(out, s.history)
	return out
}

// ActiveAt returns when the transport first connected.
func (s *CallSession) ActiveAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAt, !s.activeAt.IsZero()
}

// Observe registers fn for every event emitted after the call. Events are
// delivered in order on the session's notifier goroutine. The returned
// function unregisters fn.
func (s *CallSession) Observe(fn func(domain.CallEvent)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Events streams the session's events until the session has ended and every
// event has been delivered, then closes the channel. The channel must be
// drained.
func (s *CallSession) Events() <-chan domain.CallEvent {
	out := make(chan domain.CallEvent)
	box := newMailbox[domain.CallEvent]()
	cancel := s.Observe(func(ev domain.CallEvent) { box.Put(ev) })

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-box.Ready():
				for _, ev := range box.Drain() {
					out <- ev
				}
			case <-s.notifier.Done():
				for _, ev := range box.Close() {
					out <- ev
				}
				return
			}
		}
	}()

	return out
}

func (s *CallSession) emit(ev domain.CallEvent) {
	ev.CallID = s.callID
	ev.Key = s.key
	ev.Emitted = time.Now()

	s.notifier.Post(func() {
		s.mu.RLock()
		observers := make([]func(domain.CallEvent), 0, len(s.observers))
		for _, fn := range s.observers {
			observers = append(observers, fn)
		}
		s.mu.RUnlock()

		for _, fn := range observers {
			fn(ev)
		}
	})
}

func (s *CallSession) mediaEvents() ports.MediaEvents {
	return ports.MediaEvents{
		OnLocalIceCandidate: func(c domain.IceCandidate) {
			s.events.Put(sessionEvent{kind: evLocalCandidate, candidate: c})
		},
		OnRemoteTrack: func(st domain.RemoteStream) {
			s.events.Put(sessionEvent{kind: evRemoteTrack, stream: st})
		},
		OnConnectionStateChange: func(t domain.TransportState) {
			s.events.Put(sessionEvent{kind: evTransportState, transport: t})
		},
	}
}

func (s *CallSession) deliver(msg *domain.SignalingMessage) {
	s.events.Put(sessionEvent{kind: evMessage, msg: msg})
}

func (s *CallSession) start() {
	s.ctrl.metrics.CallStarted(s.direction)
	s.ctrl.metrics.SessionsActive(1)
	s.notifier.start()
	go s.run()
}

// do queues an operation and waits until the loop has processed it.
func (s *CallSession) do(ctx context.Context, op domain.TransitionEvent) error {
	return s.submit(ctx, sessionEvent{kind: evOperation, op: op, ctx: ctx})
}

func (s *CallSession) submit(ctx context.Context, ev sessionEvent) error {
	ev, ok := s.enqueue(ctx, ev)
	if !ok {
		return s.invalidTransition(ev.op)
	}
	return s.await(ctx, ev)
}

// enqueue hands ev to the loop. Once it returns true the loop owns ev.handle;
// otherwise the handle has already been closed.
func (s *CallSession) enqueue(ctx context.Context, ev sessionEvent) (sessionEvent, bool) {
	ev.reply = make(chan error, 1)
	if ev.ctx == nil {
		ev.ctx = ctx
	}
	if !s.events.Put(ev) {
		if ev.handle != nil {
			s.closeHandle(ev.handle)
		}
		return ev, false
	}
	return ev, true
}

func (s *CallSession) await(ctx context.Context, ev sessionEvent) error {
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CallSession) run() {
	defer close(s.done)
	for range s.events.Ready() {
		batch := s.events.Drain()
		for i, ev := range batch {
			s.dispatch(ev)
			if s.State() == domain.StateEnded {
				s.discard(append(batch[i+1:], s.events.Close()...))
				return
			}
		}
	}
}

// discard answers operations that were queued behind the terminal event.
func (s *CallSession) discard(rest []sessionEvent) {
	for _, ev := range rest {
		if ev.handle != nil {
			s.closeHandle(ev.handle)
		}
		if ev.reply != nil {
			ev.reply <- s.invalidTransition(ev.op)
		}
	}
}

func (s *CallSession) dispatch(ev sessionEvent) {
	switch ev.kind {
	case evOperation:
		err := s.handleOperation(ev)
		if ev.reply != nil {
			ev.reply <- err
		}
	case evMessage:
		s.handleMessage(ev.msg)
	case evLocalCandidate:
		s.handleLocalCandidate(ev.candidate)
	case evRemoteTrack:
		s.logger.Infow("Remote track", "track_id", ev.stream.TrackID, "kind", ev.stream.Kind)
		stream := ev.stream
		s.emit(domain.CallEvent{Type: domain.CallEventRemoteStream, Stream: &stream})
	case evTransportState:
		s.handleTransportState(ev.transport)
	case evTimeout:
		if ev.timer != s.timerSeq {
			return
		}
		if !s.can(domain.EventTimeout) {
			return
		}
		s.logger.Warnw("Call timed out", "state", s.State())
		s.sendHangup()
		s.apply(domain.EventTimeout)
	}
}

func (s *CallSession) handleOperation(ev sessionEvent) error {
	switch ev.op {
	case domain.EventStartCall:
		return s.startOutgoing(ev.ctx)
	case domain.EventAccept:
		return s.accept(ev.ctx, ev.handle)
	}

	if !s.can(ev.op) {
		s.logger.Debugw("Ignoring illegal transition", "state", s.State(), "event", ev.op)
		return s.invalidTransition(ev.op)
	}

	switch ev.op {
	case domain.EventReject:
		s.send(domain.PairChannel(s.key), domain.NewCallRejected(s.callID, s.local, s.remote))
	case domain.EventEndCall, domain.EventLocalCancel, domain.EventMediaAcquireFailed:
		s.sendHangup()
	}
	s.apply(ev.op)
	return nil
}

func (s *CallSession) startOutgoing(ctx context.Context) error {
	if !s.can(domain.EventStartCall) {
		return s.invalidTransition(domain.EventStartCall)
	}

	offer, err := s.ctrl.media.CreateOffer(ctx, s.handle)
	if err != nil {
		s.abort(domain.EndReasonNegotiationFailed)
		return apperrors.NewCallError(apperrors.ErrCodeNegotiationFailed,
			fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err), "failed to create offer")
	}

	msg := domain.NewOffer(s.callID, s.local, s.remote, offer.SDP, s.metadata)
	if err := s.ctrl.router.Send(ctx, domain.InboxChannel(s.remote), msg); err != nil {
		s.abort(domain.EndReasonNegotiationFailed)
		return apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to deliver offer")
	}

	s.apply(domain.EventStartCall)
	return nil
}

func (s *CallSession) accept(ctx context.Context, handle ports.MediaHandle) error {
	if !s.can(domain.EventAccept) {
		s.closeHandle(handle)
		s.logger.Debugw("Ignoring illegal transition", "state", s.State(), "event", domain.EventAccept)
		return s.invalidTransition(domain.EventAccept)
	}

	s.handle = handle
	offer, _ := s.PendingOffer()
	s.apply(domain.EventAccept)

	answer, err := s.ctrl.media.CreateAnswer(ctx, handle, offer)
	if err != nil {
		s.logger.Warnw("Failed to create answer", "error", err)
		s.sendHangup()
		s.apply(domain.EventTransportFailed)
		return apperrors.NewCallError(apperrors.ErrCodeNegotiationFailed,
			fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err), "failed to create answer")
	}

	s.send(domain.PairChannel(s.key), domain.NewAnswer(s.callID, s.local, s.remote, answer.SDP))
	s.flushCandidates()
	return nil
}

func (s *CallSession) handleMessage(msg *domain.SignalingMessage) {
	switch p := msg.Payload.(type) {
	case domain.AnswerPayload:
		if !s.can(domain.EventAnswerReceived) {
			s.logger.Debugw("Ignoring answer", "state", s.State())
			return
		}
		s.apply(domain.EventAnswerReceived)
		if err := s.ctrl.media.SetRemoteDescription(s.ctx, s.handle, p.Description); err != nil {
			s.logger.Warnw("Failed to apply answer", "error", err)
			s.sendHangup()
			s.apply(domain.EventTransportFailed)
			return
		}
		s.flushCandidates()
	case domain.IceCandidatePayload:
		s.handleRemoteCandidate(p.Candidate)
	case domain.CallEndedPayload:
		s.apply(domain.EventEndedReceived)
	case domain.CallRejectedPayload:
		s.apply(domain.EventRejectedReceived)
	case domain.OfferPayload:
		s.logger.Debugw("Ignoring offer on session channel")
	}
}

func (s *CallSession) handleRemoteCandidate(c domain.IceCandidate) {
	if s.inbound.Push(c) {
		s.ctrl.metrics.CandidateQueued()
		s.logger.Debugw("Queued remote candidate", "queued", s.inbound.Len())
		return
	}
	if err := s.applyCandidate(c); err != nil {
		s.reportCandidateError(err)
	}
}

func (s *CallSession) handleLocalCandidate(c domain.IceCandidate) {
	if s.outbound.Push(c) {
		return
	}
	if err := s.publishCandidate(c); err != nil {
		s.logger.Warnw("Failed to publish local candidate", "error", err)
	}
}

func (s *CallSession) publishCandidate(c domain.IceCandidate) error {
	return s.ctrl.router.Send(s.ctx, domain.PairChannel(s.key), domain.NewIceCandidate(s.callID, s.local, s.remote, c))
}

// flushCandidates runs once the remote description is in place: buffered
// remote candidates are applied and held local candidates are published, both
// in arrival order. Later candidates bypass the queues.
func (s *CallSession) flushCandidates() {
	if err := s.inbound.Flush(s.applyCandidate); err != nil {
		s.reportCandidateError(err)
	}
	if err := s.outbound.Flush(s.publishCandidate); err != nil {
		s.logger.Warnw("Failed to publish held local candidates", "error", err)
	}
}

func (s *CallSession) applyCandidate(c domain.IceCandidate) error {
	err := s.ctrl.media.AddIceCandidate(s.ctx, s.handle, c)
	s.ctrl.metrics.CandidateApplied(err)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCandidateApply, err)
	}
	return nil
}

func (s *CallSession) reportCandidateError(err error) {
	s.logger.Warnw("Failed to apply remote candidate", "error", err)
	s.emit(domain.CallEvent{Type: domain.CallEventCandidateError, Err: err})
}

func (s *CallSession) handleTransportState(t domain.TransportState) {
	event, ok := t.Event()
	if !ok {
		return
	}
	if !s.can(event) {
		s.logger.Debugw("Ignoring transport state", "state", s.State(), "transport", t)
		return
	}
	if event == domain.EventTransportFailed {
		s.logger.Warnw("Transport failed", "transport", t)
		s.sendHangup()
	}
	s.apply(event)
}

func (s *CallSession) can(event domain.TransitionEvent) bool {
	_, _, ok := domain.Transition(s.State(), event)
	return ok
}

// apply runs one transition of the table. Illegal events are logged and
// leave the session untouched.
func (s *CallSession) apply(event domain.TransitionEvent) bool {
	now := time.Now()

	s.mu.Lock()
	from := s.state
	next, reason, ok := domain.Transition(from, event)
	if !ok {
		s.mu.Unlock()
		s.logger.Debugw("Ignoring illegal transition", "state", from, "event", event)
		return false
	}
	if next == from {
		s.mu.Unlock()
		return true
	}
	s.state = next
	s.endReason = reason
	if from == domain.StateReceiving {
		s.pendingOffer = nil
	}
	if next == domain.StateActive {
		s.activeAt = now
	}
	change := domain.StateChange{From: from, To: next, Reason: reason, At: now}
	s.history = append(s.history, change)
	s.mu.Unlock()

	s.logger.Infow("Call state changed", "from", from, "state", next, "event", event, "reason", reason)
	s.emit(domain.CallEvent{Type: domain.CallEventStateChanged, State: &change})

	switch next {
	case domain.StateCalling, domain.StateReceiving:
		s.armTimer(s.ctrl.cfg.RingingTimeout)
	case domain.StateConnecting:
		s.armTimer(s.ctrl.cfg.ConnectTimeout)
	case domain.StateActive:
		s.stopTimer()
		s.ctrl.metrics.CallActive(now.Sub(s.createdAt))
	case domain.StateEnded:
		s.onTerminal(reason)
	}
	return true
}

// abort ends a session whose creation failed before it ever left Idle.
func (s *CallSession) abort(reason domain.EndReason) {
	now := time.Now()

	s.mu.Lock()
	from := s.state
	if from == domain.StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateEnded
	s.endReason = reason
	change := domain.StateChange{From: from, To: domain.StateEnded, Reason: reason, At: now}
	s.history = append(s.history, change)
	s.mu.Unlock()

	s.logger.Warnw("Call aborted", "state", from, "reason", reason)
	s.emit(domain.CallEvent{Type: domain.CallEventStateChanged, State: &change})
	s.onTerminal(reason)
}

// onTerminal releases everything the session owns. It runs at most once no
// matter how many terminal events race.
func (s *CallSession) onTerminal(reason domain.EndReason) {
	s.cleanup.Do(func() {
		s.stopTimer()

		if s.sub != nil {
			if err := s.sub.Close(); err != nil {
				s.logger.Warnw("Failed to detach session channel", "error", err)
			}
		}
		if s.handle != nil {
			s.closeHandle(s.handle)
		}

		releaseCtx, cancel := context.WithTimeout(context.Background(), s.ctrl.cfg.SendTimeout)
		if err := s.ctrl.registry.Release(releaseCtx, s.key, s.callID); err != nil {
			s.logger.Warnw("Failed to release session claim", "error", err)
		}
		cancel()
		s.cancel()

		s.ctrl.remove(s)
		s.ctrl.metrics.SessionsActive(-1)
		s.ctrl.metrics.CallEnded(reason, time.Since(s.createdAt))
		s.logger.Infow("Call ended", "reason", reason, "duration", time.Since(s.createdAt))

		s.notifier.Post(func() { s.ctrl.notifyCallEnded(s, reason) })
		s.notifier.Stop()
	})
}

func (s *CallSession) closeHandle(h ports.MediaHandle) {
	if err := s.ctrl.media.Close(h); err != nil {
		s.logger.Warnw("Failed to close media handle", "handle", h.ID(), "error", err)
	}
}

// sendHangup notifies the peer that the call is over. While the offer is
// still unanswered the peer may not have joined the session channel yet, so
// the inbox gets a copy too.
func (s *CallSession) sendHangup() {
	msg := domain.NewCallEnded(s.callID, s.local, s.remote)
	s.send(domain.PairChannel(s.key), msg)
	if s.State() == domain.StateCalling {
		s.send(domain.InboxChannel(s.remote), msg)
	}
}

func (s *CallSession) send(channel string, msg *domain.SignalingMessage) {
	if err := s.ctrl.router.Send(s.ctx, channel, msg); err != nil {
		s.logger.Warnw("Failed to send signaling message", "kind", msg.Kind, "channel", channel, "error", err)
	}
}

func (s *CallSession) armTimer(d time.Duration) {
	s.stopTimer()
	if d <= 0 {
		return
	}
	seq := s.timerSeq
	s.timer = time.AfterFunc(d, func() {
		s.events.Put(sessionEvent{kind: evTimeout, timer: seq})
	})
}

func (s *CallSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *CallSession) invalidTransition(op domain.TransitionEvent) error {
	return apperrors.NewCallError(apperrors.ErrCodeInvalidTransition, domain.ErrInvalidTransition,
		fmt.Sprintf("%s not allowed in state %s", op, s.State())).
		WithContext("call_id", s.callID.String()).
		WithContext("session_key", s.key.String())
}
