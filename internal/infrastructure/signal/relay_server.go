package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/distributed"
	"peercall/pkg/config"
	apperrors "peercall/pkg/errors"
	rlog "peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrForbiddenChannel = errors.New("channel not allowed for this participant")
	ErrSpoofedSender    = errors.New("message sender does not match the connection")
	ErrChannelMismatch  = errors.New("message does not belong to this channel")
	ErrRateLimited      = errors.New("message rate limit exceeded")
	ErrUnknownOp        = errors.New("unknown frame op")
	ErrRecipientOffline = errors.New("recipient is not connected")
)

const sendQueueSize = 256

// RelayMetrics is what the relay reports about its connections and traffic.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameRelayed(op string)
	FrameRejected(reason string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()    {}
func (nopRelayMetrics) ConnectionClosed()    {}
func (nopRelayMetrics) FrameRelayed(string)  {}
func (nopRelayMetrics) FrameRejected(string) {}

// PresenceTracker shares which participants hold relay connections across
// instances.
type PresenceTracker interface {
	Register(ctx context.Context, id domain.ParticipantID) error
	Refresh(ctx context.Context, id domain.ParticipantID) error
	Unregister(ctx context.Context, id domain.ParticipantID) error
	IsOnline(ctx context.Context, id domain.ParticipantID) (bool, error)
	CleanupInstance(ctx context.Context) error
}

type RelayConfig struct {
	InstanceID        string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// RelayConfigFrom extracts the relay settings from the service config.
func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		InstanceID:     cfg.Signal.InstanceID,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}

// Relay is the WebSocket signaling relay. Clients subscribe to pair and
// inbox channels and publish signaling messages; the relay checks that a
// participant only touches channels it belongs to and only sends as itself.
type Relay struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader

	hub *hub

	connections map[string]*connection
	mu          sync.RWMutex
	closing     atomic.Bool

	fanout   *distributed.RedisFanout
	presence PresenceTracker
	metrics  RelayMetrics

	// connections per participant on this instance, guarded by presenceMu
	present    map[domain.ParticipantID]int
	presenceMu sync.Mutex

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

type connection struct {
	id          string
	participant domain.ParticipantID
	ws          *websocket.Conn
	send        chan Frame
	limiter     *rate.Limiter
	logger      *zap.SugaredLogger

	// guarded by hub.mu
	channels map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewRelay(cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	r := &Relay{
		cfg:         cfg,
		hub:         newHub(),
		connections: make(map[string]*connection),
		present:     make(map[domain.ParticipantID]int),
		metrics:     nopRelayMetrics{},
		logger:      logger.Sugar().With("instance_id", cfg.InstanceID),
		ctxLogger:   rlog.NewContextLogger(logger),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin:     r.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return r
}

// SetFanout routes every publish through Redis so that relay instances
// sharing the same Redis see each other's traffic.
func (r *Relay) SetFanout(f *distributed.RedisFanout) {
	r.fanout = f
}

// SetPresence publishes who is connected here. Offers to participants that
// are connected nowhere are then refused instead of relayed into the void.
func (r *Relay) SetPresence(p PresenceTracker) {
	r.presence = p
}

func (r *Relay) SetMetrics(m RelayMetrics) {
	if m == nil {
		m = nopRelayMetrics{}
	}
	r.metrics = m
}

func (r *Relay) InstanceID() string { return r.cfg.InstanceID }

// Start runs the Redis fan-out loop when one is configured. It returns once
// the fan-out subscription is live; the loop stops with ctx.
func (r *Relay) Start(ctx context.Context) error {
	if r.fanout == nil {
		return nil
	}

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.fanout.Run(ctx, ready, func(channel string, msg *domain.SignalingMessage) {
			r.hub.deliver(channel, msg)
		})
	}()

	select {
	case <-ready:
		go func() {
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Errorw("relay fan-out stopped", "error", err)
			}
		}()
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to start relay fan-out: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes mounts the WebSocket endpoint. The middlewares run before
// the upgrade and must leave the authenticated participant in the request
// context.
func (r *Relay) RegisterRoutes(router gin.IRoutes, middlewares ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, middlewares...), r.HandleWebSocket)
	router.GET("/ws", handlers...)
}

func (r *Relay) HandleWebSocket(c *gin.Context) {
	participant, err := services.ParticipantFromContext(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.NewUnauthorizedError("participant not authenticated"))
		c.Abort()
		return
	}

	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "participant", participant, "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{
		id:          uuid.New().String(),
		participant: participant,
		ws:          ws,
		send:        make(chan Frame, sendQueueSize),
		limiter:     r.newLimiter(),
		channels:    make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	ctx := rlog.WithConnID(rlog.WithParticipant(c.Request.Context(), string(participant)), conn.id)
	conn.logger = r.ctxLogger.Sugar(ctx)

	r.mu.Lock()
	r.connections[conn.id] = conn
	r.mu.Unlock()
	r.metrics.ConnectionOpened()
	r.attachPresence(ctx, conn)

	conn.logger.Infow("participant connected to relay")

	go r.writePump(ctx, conn)
	r.readPump(ctx, conn)

	conn.close()
	r.hub.removeConn(conn)

	r.mu.Lock()
	delete(r.connections, conn.id)
	r.mu.Unlock()
	r.metrics.ConnectionClosed()
	r.detachPresence(conn)

	conn.logger.Infow("participant disconnected from relay")
}

// attachPresence counts conn against its participant. Only the first
// connection registers shared presence and only the last one removes it.
func (r *Relay) attachPresence(ctx context.Context, conn *connection) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.present[conn.participant]++
	if r.present[conn.participant] > 1 || r.presence == nil {
		return
	}
	if err := r.presence.Register(ctx, conn.participant); err != nil {
		conn.logger.Warnw("failed to register presence", "error", err)
	}
}

func (r *Relay) detachPresence(conn *connection) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.present[conn.participant]--
	if r.present[conn.participant] > 0 {
		return
	}
	delete(r.present, conn.participant)
	if r.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.presence.Unregister(ctx, conn.participant); err != nil {
		conn.logger.Warnw("failed to unregister presence", "error", err)
	}
}

// Connected reports how many connections id holds on this instance.
func (r *Relay) Connected(id domain.ParticipantID) int {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	return r.present[id]
}

func (r *Relay) newLimiter() *rate.Limiter {
	if r.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := r.cfg.Burst
	if burst <= 0 {
		burst = int(r.cfg.MessagesPerSecond) + 1
	}
	return rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), burst)
}

func (r *Relay) readPump(ctx context.Context, conn *connection) {
	if r.cfg.MaxMessageSize > 0 {
		conn.ws.SetReadLimit(r.cfg.MaxMessageSize)
	}
	conn.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Infow("error reading from participant", "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		frame, err := decodeFrame(data)
		if err != nil {
			r.metrics.FrameRejected("invalid_frame")
			id := ""
			if frame != nil {
				id = frame.ID
			}
			conn.enqueue(errorFrame(id, err))
			continue
		}

		if !conn.limiter.Allow() {
			r.metrics.FrameRejected("rate_limited")
			conn.enqueue(errorFrame(frame.ID, ErrRateLimited))
			continue
		}

		if err := r.handleFrame(ctx, conn, frame); err != nil {
			conn.logger.Debugw("frame refused",
				"op", frame.Op,
				"channel", frame.Channel,
				"error", err,
			)
			conn.enqueue(errorFrame(frame.ID, err))
			continue
		}
		if frame.ID != "" {
			conn.enqueue(ackFrame(frame.ID))
		}
	}
}

func (r *Relay) writePump(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.ws.WriteJSON(frame); err != nil {
				conn.logger.Infow("error writing to participant", "error", err)
				conn.close()
				conn.ws.Close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.logger.Infow("error sending ping", "error", err)
				conn.close()
				conn.ws.Close()
				return
			}
			if r.presence != nil {
				if err := r.presence.Refresh(ctx, conn.participant); err != nil {
					conn.logger.Warnw("failed to refresh presence", "error", err)
				}
			}

		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.ws.Close()
			return
		}
	}
}

func (r *Relay) handleFrame(ctx context.Context, conn *connection, frame *Frame) error {
	ctx, span := tracing.TraceRelayFrame(ctx, string(frame.Op), string(conn.participant), frame.Channel)
	defer span.End()

	var err error
	switch frame.Op {
	case OpSubscribe:
		if err = authorizeChannel(conn.participant, frame.Channel); err == nil {
			r.hub.subscribe(frame.Channel, conn)
		}
	case OpUnsubscribe:
		r.hub.unsubscribe(frame.Channel, conn)
	case OpPublish:
		err = r.publish(ctx, conn, frame)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, frame.Op)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.FrameRejected(rejectReason(err))
		return err
	}
	r.metrics.FrameRelayed(string(frame.Op))
	return nil
}

func (r *Relay) publish(ctx context.Context, conn *connection, frame *Frame) error {
	msg := frame.Message
	if msg == nil {
		return fmt.Errorf("%w: publish without message", domain.ErrInvalidMessage)
	}
	if msg.From != conn.participant {
		return ErrSpoofedSender
	}
	if err := checkRoute(frame.Channel, msg); err != nil {
		return err
	}
	if err := r.checkReachable(ctx, frame.Channel, msg); err != nil {
		return err
	}

	if r.fanout != nil {
		return r.fanout.Publish(ctx, frame.Channel, msg)
	}
	r.hub.deliver(frame.Channel, msg)
	return nil
}

// checkReachable refuses an offer to an inbox nobody can receive, so the
// caller fails at once rather than ringing until its timeout. Other traffic
// is never held back. A presence lookup error lets the offer through.
func (r *Relay) checkReachable(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	if msg.Kind != domain.KindOffer {
		return nil
	}
	kind, _, _ := domain.ParseChannel(channel)
	if kind != "inbox" || r.hub.subscribers(channel) > 0 {
		return nil
	}

	switch {
	case r.presence != nil:
		online, err := r.presence.IsOnline(ctx, msg.To)
		if err != nil {
			r.logger.Warnw("presence lookup failed", "participant", msg.To, "error", err)
			return nil
		}
		if online {
			return nil
		}
	case r.fanout != nil:
		// Another instance may hold the subscriber.
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRecipientOffline, msg.To)
}

// authorizeChannel allows a participant its own inbox and the pair channels
// it is part of.
func authorizeChannel(participant domain.ParticipantID, channel string) error {
	kind, target, ok := domain.ParseChannel(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
	}
	switch kind {
	case "inbox":
		if domain.ParticipantID(target) == participant {
			return nil
		}
	case "pair":
		if domain.SessionKey(target).Includes(participant) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
}

// checkRoute requires a published message to travel on its own pair channel
// or on the inbox of its recipient.
func checkRoute(channel string, msg *domain.SignalingMessage) error {
	kind, target, ok := domain.ParseChannel(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrForbiddenChannel, channel)
	}
	switch kind {
	case "pair":
		if domain.SessionKey(target) == msg.SessionKey() {
			return nil
		}
	case "inbox":
		if domain.ParticipantID(target) == msg.To {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %q", ErrChannelMismatch, msg.Kind, channel)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenChannel):
		return "forbidden_channel"
	case errors.Is(err, ErrSpoofedSender):
		return "spoofed_sender"
	case errors.Is(err, ErrChannelMismatch):
		return "channel_mismatch"
	case errors.Is(err, domain.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrUnknownOp):
		return "unknown_op"
	case errors.Is(err, ErrRecipientOffline):
		return "recipient_offline"
	default:
		return "publish_failed"
	}
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of live WebSocket connections.
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// HealthCheck reports whether the relay can serve traffic.
func (r *Relay) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closing.Load() {
		return fmt.Errorf("relay is shutting down")
	}
	return nil
}

// Shutdown closes every connection. Clients see a normal close and are
// expected to reconnect to another instance.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.closing.Store(true)

	r.mu.Lock()
	conns := make([]*connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}

	for r.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	if r.presence != nil {
		if err := r.presence.CleanupInstance(ctx); err != nil {
			r.logger.Warnw("failed to clean up presence", "error", err)
		}
	}
	return nil
}

// enqueue hands a frame to the writer. A connection whose queue is full is
// too slow to keep up and gets closed.
func (c *connection) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warnw("send queue full, closing connection")
		c.close()
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
