package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"go.uber.org/zap"
)

type ControllerConfig struct {
	// RingingTimeout bounds Calling and Receiving. Zero disables it.
	RingingTimeout time.Duration
	// ConnectTimeout bounds Connecting. Zero disables it.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		RingingTimeout: 45 * time.Second,
		ConnectTimeout: 20 * time.Second,
		SendTimeout:    5 * time.Second,
	}
}

// IncomingCall is handed to OnIncomingCall observers when an offer has been
// admitted. The session is in Receiving and waits for AcceptCall or RejectCall.
type IncomingCall struct {
	Session  *CallSession
	From     domain.ParticipantID
	Metadata domain.CallMetadata
	Offer    domain.SessionDescription
}

// CallController is the public surface of the call core for one local
// participant.
type CallController struct {
	cfg      ControllerConfig
	localID  domain.ParticipantID
	media    ports.MediaEndpoint
	registry ports.SessionRegistry
	router   *SignalingRouter
	door     *FrontDoor
	logger   *zap.SugaredLogger
	metrics  ports.CallMetrics

	mu       sync.Mutex
	sessions map[domain.SessionKey]*CallSession
	listener *IncomingCallListener
	closed   bool

	hooksMu  sync.RWMutex
	incoming []func(*IncomingCall)
	ended    []func(*CallSession, domain.EndReason)
	global   *notifier
}

func NewCallController(
	cfg ControllerConfig,
	localID domain.ParticipantID,
	transport ports.SignalingTransport,
	media ports.MediaEndpoint,
	registry ports.SessionRegistry,
	door *FrontDoor,
	logger *zap.SugaredLogger,
	metrics ports.CallMetrics,
) *CallController {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultControllerConfig().SendTimeout
	}
	if metrics == nil {
		metrics = ports.NopCallMetrics{}
	}
	logger = logger.With("participant", localID)
	if door == nil {
		door = NewFrontDoor(transport, logger)
	}

	c := &CallController{
		cfg:      cfg,
		localID:  localID,
		media:    media,
		registry: registry,
		router:   NewSignalingRouter(transport, localID, cfg.SendTimeout, metrics, logger),
		door:     door,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[domain.SessionKey]*CallSession),
		global:   newNotifier(logger),
	}
	c.global.start()
	return c
}

func (c *CallController) LocalID() domain.ParticipantID { return c.localID }

// Start registers the incoming call listener of the local participant.
func (c *CallController) Start(ctx context.Context) error {
	listener, err := c.door.Listen(ctx, c.localID, c.handleInbox)
	if err != nil {
		return apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to listen for incoming calls")
	}

	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
	return nil
}

// StartCall places a call to remote. It returns once the offer is published
// and the session is Calling.
func (c *CallController) StartCall(ctx context.Context, remote domain.ParticipantID, metadata domain.CallMetadata) (*CallSession, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "start_call", string(c.localID), string(remote))
	defer span.End()

	if err := validation.ValidateParticipantID(string(remote)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if remote == c.localID {
		return nil, apperrors.NewInvalidInputError("cannot call yourself")
	}

	s := newCallSession(c, remote, domain.NewCallID(), domain.DirectionOutgoing, metadata)
	if err := c.reserve(s); err != nil {
		return nil, err
	}

	if err := c.registry.Claim(ctx, s.key, s.callID); err != nil {
		c.unreserve(s)
		return nil, c.claimError(s, err)
	}

	handle, err := c.media.AcquireLocalMedia(ctx, s.mediaEvents())
	if err != nil {
		c.abandon(s)
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewCallError(apperrors.ErrCodeMediaAcquireFailed,
			fmt.Errorf("%w: %w", domain.ErrMediaAcquireFailed, err), "failed to acquire local media")
	}
	s.handle = handle

	op, _ := s.enqueue(ctx, sessionEvent{kind: evOperation, op: domain.EventStartCall})

	sub, err := c.router.Attach(ctx, s.key, s.callID, s.deliver)
	if err != nil {
		c.media.Close(handle)
		c.abandon(s)
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to join session channel")
	}
	s.sub = sub
	s.start()

	// The loop always answers StartCall promptly; waiting on ctx here could
	// leave a live session behind a returned error.
	if err := s.await(context.Background(), op); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	c.logger.Infow("Call started", "remote", remote, "call_id", s.callID)
	return s, nil
}

// AcceptCall answers an incoming call. Local media is acquired before the
// session is touched; if that fails the call ends with MediaAcquireFailed.
func (c *CallController) AcceptCall(ctx context.Context, s *CallSession) error {
	ctx, span := tracing.TraceCallOperation(ctx, "accept_call", string(c.localID), string(s.remote))
	defer span.End()

	if state := s.State(); state != domain.StateReceiving {
		return s.invalidTransition(domain.EventAccept)
	}

	handle, err := c.media.AcquireLocalMedia(ctx, s.mediaEvents())
	if err != nil {
		tracing.RecordError(ctx, err)
		if opErr := s.do(ctx, domain.EventMediaAcquireFailed); opErr != nil {
			c.logger.Debugw("Session moved on while acquiring media", "call_id", s.callID, "error", opErr)
		}
		return apperrors.NewCallError(apperrors.ErrCodeMediaAcquireFailed,
			fmt.Errorf("%w: %w", domain.ErrMediaAcquireFailed, err), "failed to acquire local media")
	}

	err = s.submit(ctx, sessionEvent{kind: evOperation, op: domain.EventAccept, handle: handle})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (c *CallController) RejectCall(ctx context.Context, s *CallSession) error {
	return c.operate(ctx, "reject_call", s, domain.EventReject)
}

// EndCall hangs up from any live state and notifies the peer.
func (c *CallController) EndCall(ctx context.Context, s *CallSession) error {
	return c.operate(ctx, "end_call", s, domain.EventEndCall)
}

// CancelCall withdraws an unanswered outgoing call.
func (c *CallController) CancelCall(ctx context.Context, s *CallSession) error {
	return c.operate(ctx, "cancel_call", s, domain.EventLocalCancel)
}

func (c *CallController) operate(ctx context.Context, name string, s *CallSession, op domain.TransitionEvent) error {
	ctx, span := tracing.TraceCallOperation(ctx, name, string(c.localID), string(s.remote))
	defer span.End()

	err := s.do(ctx, op)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (c *CallController) OnIncomingCall(fn func(*IncomingCall)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.incoming = append(c.incoming, fn)
}

// OnCallEnded is invoked exactly once per session, after its resources have
// been released.
func (c *CallController) OnCallEnded(fn func(*CallSession, domain.EndReason)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.ended = append(c.ended, fn)
}

func (c *CallController) OnStateChange(s *CallSession, fn func(domain.StateChange)) func() {
	return s.Observe(func(ev domain.CallEvent) {
		if ev.Type == domain.CallEventStateChanged && ev.State != nil {
			fn(*ev.State)
		}
	})
}

func (c *CallController) OnRemoteStream(s *CallSession, fn func(domain.RemoteStream)) func() {
	return s.Observe(func(ev domain.CallEvent) {
		if ev.Type == domain.CallEventRemoteStream && ev.Stream != nil {
			fn(*ev.Stream)
		}
	})
}

// Session returns the live session with remote, if any.
func (c *CallController) Session(remote domain.ParticipantID) (*CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[domain.NewSessionKey(c.localID, remote)]
	return s, ok
}

func (c *CallController) Sessions() []*CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CallSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Close stops accepting calls, hangs up every live session and waits for
// their cleanup.
func (c *CallController) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listener := c.listener
	c.listener = nil
	c.mu.Unlock()

	var errs []error
	if listener != nil {
		if err := listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, s := range c.Sessions() {
		if err := s.do(ctx, domain.EventEndCall); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
			errs = append(errs, err)
		}
		select {
		case <-s.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	c.global.Stop()
	c.logger.Infow("Call controller closed")
	return errors.Join(errs...)
}

func (c *CallController) handleInbox(msg *domain.SignalingMessage) {
	if err := msg.Validate(); err != nil {
		c.logger.Debugw("Dropping malformed inbox message", "error", err)
		return
	}
	if msg.Kind != domain.KindOffer {
		c.routeToSession(msg)
		return
	}
	c.admit(msg)
}

// routeToSession hands non-offer inbox traffic to the live session of the
// sender. A hangup can reach the inbox before the callee joined the session
// channel.
func (c *CallController) routeToSession(msg *domain.SignalingMessage) {
	s, ok := c.Session(msg.From)
	if !ok || s.callID != msg.CallID {
		c.logger.Debugw("Dropping inbox message without session", "kind", msg.Kind, "from", msg.From, "call_id", msg.CallID)
		return
	}
	s.deliver(msg)
}

func (c *CallController) admit(msg *domain.SignalingMessage) {
	ctx := context.Background()
	offer, ok := msg.Payload.(domain.OfferPayload)
	if !ok {
		return
	}
	key := msg.SessionKey()

	existing, _ := c.Session(msg.From)
	decision := decideAdmission(c.localID, snapshotOf(existing), msg)

	log := c.logger.With("remote", msg.From, "call_id", msg.CallID, "admission", decision)

	switch decision {
	case ignoreDuplicate, ignoreCollisionWon:
		log.Debugw("Ignoring offer")
		return
	case rejectBusy:
		log.Infow("Rejecting offer, pair is busy")
		c.replyBusy(ctx, msg)
		return
	case yieldCollision:
		log.Infow("Call collision lost, yielding to remote offer")
		if err := existing.do(ctx, domain.EventCollisionLost); err != nil && existing.State() != domain.StateEnded {
			log.Infow("Colliding session moved on, treating pair as busy", "error", err)
			c.replyBusy(ctx, msg)
			return
		}
		<-existing.Done()
	case supersedeStale:
		log.Infow("Remote redialed, ending stale call", "stale_call_id", existing.callID)
		if err := existing.do(ctx, domain.EventEndedReceived); err != nil && existing.State() != domain.StateEnded {
			log.Infow("Stale session could not be ended, treating pair as busy", "error", err)
			c.replyBusy(ctx, msg)
			return
		}
		<-existing.Done()
	}

	s := newCallSession(c, msg.From, msg.CallID, domain.DirectionIncoming, offer.Metadata)
	description := offer.Description
	s.pendingOffer = &description

	if err := c.reserve(s); err != nil {
		log.Infow("Rejecting offer", "error", err)
		c.replyBusy(ctx, msg)
		return
	}
	if err := c.registry.Claim(ctx, key, s.callID); err != nil {
		c.unreserve(s)
		log.Infow("Rejecting offer, pair claimed elsewhere", "error", err)
		c.replyBusy(ctx, msg)
		return
	}

	op, _ := s.enqueue(ctx, sessionEvent{kind: evOperation, op: domain.EventOfferReceived})

	sub, err := c.router.Attach(ctx, key, s.callID, s.deliver)
	if err != nil {
		c.abandon(s)
		log.Errorw("Failed to join session channel for incoming call", "error", err)
		return
	}
	s.sub = sub
	s.start()

	if err := s.await(ctx, op); err != nil {
		log.Infow("Incoming call ended before it could ring", "error", err)
		return
	}

	log.Infow("Incoming call", "caller_name", offer.Metadata.CallerName)
	call := &IncomingCall{Session: s, From: msg.From, Metadata: offer.Metadata, Offer: description}
	c.global.Post(func() {
		c.hooksMu.RLock()
		hooks := append([]func(*IncomingCall){}, c.incoming...)
		c.hooksMu.RUnlock()
		for _, fn := range hooks {
			fn(call)
		}
	})
}

func (c *CallController) replyBusy(ctx context.Context, offer *domain.SignalingMessage) {
	reply := domain.NewCallRejected(offer.CallID, c.localID, offer.From)
	if err := c.router.Send(ctx, domain.PairChannel(offer.SessionKey()), reply); err != nil {
		c.logger.Warnw("Failed to reject offer", "remote", offer.From, "call_id", offer.CallID, "error", err)
	}
}

func snapshotOf(s *CallSession) *sessionSnapshot {
	if s == nil {
		return nil
	}
	return &sessionSnapshot{callID: s.callID, state: s.State()}
}

func (c *CallController) reserve(s *CallSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.NewServiceUnavailableError("call controller is closed").WithContext("cause", domain.ErrControllerClosed.Error())
	}
	if existing, ok := c.sessions[s.key]; ok {
		return apperrors.NewCallError(apperrors.ErrCodeSessionExists, domain.ErrSessionExists,
			fmt.Sprintf("call %s with %s is %s", existing.callID, s.remote, existing.State()))
	}
	c.sessions[s.key] = s
	return nil
}

func (c *CallController) unreserve(s *CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.key] == s {
		delete(c.sessions, s.key)
	}
}

// abandon drops a session that never started its loop.
func (c *CallController) abandon(s *CallSession) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := c.registry.Release(releaseCtx, s.key, s.callID); err != nil {
		c.logger.Warnw("Failed to release session claim", "session_key", s.key, "error", err)
	}
	s.cancel()
	c.unreserve(s)
}

func (c *CallController) remove(s *CallSession) {
	c.unreserve(s)
}

func (c *CallController) claimError(s *CallSession, err error) error {
	if errors.Is(err, domain.ErrSessionClaimed) {
		return apperrors.NewCallError(apperrors.ErrCodeSessionExists, fmt.Errorf("%w: %w", domain.ErrSessionExists, err),
			fmt.Sprintf("a call with %s is already in progress", s.remote))
	}
	return apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to claim session")
}

func (c *CallController) notifyCallEnded(s *CallSession, reason domain.EndReason) {
	c.hooksMu.RLock()
	hooks := append([]func(*CallSession, domain.EndReason){}, c.ended...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(s, reason)
	}
}
