package memory

import (
	"context"
	"errors"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("memory bus closed")

// Bus is an in-process signaling transport. Every subscription gets its own
// delivery goroutine, so a slow handler never blocks publishers or other
// subscribers, and each handler sees messages in publish order.
type Bus struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	bus     *Bus
	channel string
	handler ports.MessageHandler

	mu      sync.Mutex
	queue   []*domain.SignalingMessage
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
}

func (b *Bus) Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs[channel] {
		copied := *msg
		sub.enqueue(&copied)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler ports.MessageHandler) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		bus:     b,
		channel: channel,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Subscribers returns how many subscriptions are attached to channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.halt()
		}
	}
	return nil
}

func (s *subscription) enqueue(msg *domain.SignalingMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
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
			s.deliver(msg)
		}
	}
}

func (s *subscription) deliver(msg *domain.SignalingMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Errorw("Subscription handler panicked", "channel", s.channel, "panic", r)
		}
	}()
	s.handler(msg)
}

func (s *subscription) halt() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()

	s.halt()
	return nil
}
