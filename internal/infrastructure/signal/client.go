package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/config"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientClosed     = errors.New("relay connection closed")
	ErrDialUnauthorized = errors.New("relay refused credentials")
)

// RefusedError is returned when the relay answers a request with an error
// frame.
type RefusedError struct {
	Op     FrameOp
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("relay refused %s: %s", e.Op, e.Reason)
}

type ClientConfig struct {
	URL            string
	Participant    domain.ParticipantID
	Token          string
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Dial           retry.Config
	Breaker        circuitbreaker.Config
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	dial := retry.DefaultConfig()
	dial.MaxAttempts = cfg.Agent.Dial.MaxAttempts
	dial.InitialDelay = cfg.Agent.Dial.InitialDelay
	dial.MaxDelay = cfg.Agent.Dial.MaxDelay

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Agent.Breaker.FailureThreshold
	breaker.Timeout = cfg.Agent.Breaker.Timeout

	return ClientConfig{
		URL:            cfg.Agent.RelayURL,
		Participant:    domain.ParticipantID(cfg.Agent.Participant),
		Token:          cfg.Agent.Token,
		RequestTimeout: cfg.Call.SendTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		Dial:           dial,
		Breaker:        breaker,
	}
}

// Client is a ports.SignalingTransport backed by one WebSocket connection to
// the relay. Publishes and subscriptions are confirmed by the relay before
// they return.
type Client struct {
	cfg     ClientConfig
	ws      *websocket.Conn
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    map[string]map[*clientSubscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type pendingRequest struct {
	op    FrameOp
	reply chan error
}

var _ ports.SignalingTransport = (*Client)(nil)

// Dial connects to the relay, retrying with backoff. Bad credentials are not
// retried.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	cfg.Dial.NonRetryableErrors = append(cfg.Dial.NonRetryableErrors, ErrDialUnauthorized)

	target, header, err := dialTarget(cfg)
	if err != nil {
		return nil, err
	}

	attempt := 0
	ws, err := retry.RetryWithResult(ctx, cfg.Dial, func() (*websocket.Conn, error) {
		attempt++
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: status %d", ErrDialUnauthorized, resp.StatusCode)
			}
			logger.Warnw("relay dial failed", "url", cfg.URL, "attempt", attempt, "error", err)
			return nil, err
		}
		return ws, nil
	})
	if err != nil {
		return nil, apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to connect to relay")
	}

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger.With("relay", cfg.URL, "participant", cfg.Participant),
		pending: make(map[string]*pendingRequest),
		subs:    make(map[string]map[*clientSubscription]struct{}),
		done:    make(chan struct{}),
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("relay circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	go c.readLoop()
	c.logger.Infow("connected to relay", "attempts", attempt)
	return c, nil
}

func dialTarget(cfg ClientConfig) (string, http.Header, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid relay url: %w", err)
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	} else {
		q := u.Query()
		q.Set("participant_id", string(cfg.Participant))
		u.RawQuery = q.Encode()
	}
	return u.String(), header, nil
}

// Publish sends msg to channel. Transport failures and an open breaker map to
// SIGNALING_UNAVAILABLE; a relay refusal is returned as *RefusedError and does
// not count against the breaker.
func (c *Client) Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		return apperrors.NewCallError(apperrors.ErrCodeInvalidMessage, err, "refusing to publish invalid message")
	}

	var refused error
	err := c.breaker.Execute(ctx, func() error {
		err := c.request(ctx, Frame{Op: OpPublish, Channel: channel, Message: msg})
		var re *RefusedError
		if errors.As(err, &re) {
			refused = err
			return nil
		}
		return err
	})
	if err != nil {
		return apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to publish to relay")
	}
	return refused
}

func (c *Client) Subscribe(ctx context.Context, channel string, handler ports.MessageHandler) (ports.Subscription, error) {
	sub := &clientSubscription{
		client:  c,
		channel: channel,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil, apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, ErrClientClosed, "failed to subscribe")
	}
	first := len(c.subs[channel]) == 0
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[*clientSubscription]struct{})
	}
	c.subs[channel][sub] = struct{}{}
	c.mu.Unlock()

	go sub.run()

	if first {
		if err := c.request(ctx, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			sub.detach()
			var re *RefusedError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, apperrors.NewCallError(apperrors.ErrCodeSignalingUnavailable, err, "failed to subscribe")
		}
	}
	return sub, nil
}

// Done is closed when the relay connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.shutdown()
	return err
}

func (c *Client) request(ctx context.Context, frame Frame) error {
	frame.ID = strconv.FormatUint(c.seq.Add(1), 10)
	reply := make(chan error, 1)

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[frame.ID] = &pendingRequest{op: frame.Op, reply: reply}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return fmt.Errorf("relay did not confirm %s within %s", frame.Op, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Op, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.Warnw("dropping malformed frame from relay", "error", err)
			continue
		}

		switch frame.Op {
		case OpMessage:
			c.dispatch(frame)
		case OpAck:
			c.resolve(frame.ID, nil)
		case OpError:
			if frame.ID == "" || !c.resolve(frame.ID, &RefusedError{Reason: frame.Error}) {
				c.logger.Warnw("relay reported an error", "error", frame.Error)
			}
		default:
			c.logger.Debugw("ignoring frame", "op", frame.Op)
		}
	}
}

func (c *Client) dispatch(frame *Frame) {
	if frame.Message == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[frame.Channel] {
		copied := *frame.Message
		sub.enqueue(&copied)
	}
}

func (c *Client) resolve(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	var re *RefusedError
	if errors.As(err, &re) {
		re.Op = p.op
	}
	p.reply <- err
	return true
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]map[*clientSubscription]struct{})
		c.mu.Unlock()

		for _, set := range subs {
			for sub := range set {
				sub.halt()
			}
		}
	})
}

// clientSubscription delivers on its own goroutine so a handler may call
// back into the client without blocking the read loop.
type clientSubscription struct {
	client  *Client
	channel string
	handler ports.MessageHandler

	mu      sync.Mutex
	queue   []*domain.SignalingMessage
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
}

func (s *clientSubscription) enqueue(msg *domain.SignalingMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *clientSubscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, msg := range batch {
			select {
			case <-s.stop:
				return
			default:
			}
			s.handler(msg)
		}
	}
}

func (s *clientSubscription) halt() {
	s.stopped.Do(func() { close(s.stop) })
}

// detach removes the subscription and reports whether it was the last one
// on its channel.
func (s *clientSubscription) detach() bool {
	c := s.client
	c.mu.Lock()
	last := false
	if set, ok := c.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.subs, s.channel)
			last = true
		}
	}
	c.mu.Unlock()

	s.halt()
	return last
}

func (s *clientSubscription) Close() error {
	if !s.detach() || s.client.closed() {
		return nil
	}
	if err := s.client.write(Frame{Op: OpUnsubscribe, Channel: s.channel}); err != nil {
		s.client.logger.Debugw("failed to unsubscribe", "channel", s.channel, "error", err)
	}
	return nil
}
