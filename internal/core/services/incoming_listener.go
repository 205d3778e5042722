package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

// FrontDoor owns the inbox subscriptions of every local participant served by
// this process. There is at most one IncomingCallListener per participant.
type FrontDoor struct {
	transport ports.SignalingTransport
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	listeners map[domain.ParticipantID]*IncomingCallListener
}

func NewFrontDoor(transport ports.SignalingTransport, logger *zap.SugaredLogger) *FrontDoor {
	return &FrontDoor{
		transport: transport,
		logger:    logger,
		listeners: make(map[domain.ParticipantID]*IncomingCallListener),
	}
}

// IncomingCallListener receives the messages published on one participant's
// inbox. Offers are the only traffic that can create a session.
type IncomingCallListener struct {
	local     domain.ParticipantID
	door      *FrontDoor
	sub       ports.Subscription
	closeOnce sync.Once
}

// Listen subscribes to the inbox of local. handler sees only messages
// addressed to local by another participant.
func (f *FrontDoor) Listen(ctx context.Context, local domain.ParticipantID, handler ports.MessageHandler) (*IncomingCallListener, error) {
	l := &IncomingCallListener{local: local, door: f}

	f.mu.Lock()
	if _, exists := f.listeners[local]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrListenerExists, local)
	}
	f.listeners[local] = l
	f.mu.Unlock()

	channel := domain.InboxChannel(local)
	sub, err := f.transport.Subscribe(ctx, channel, func(msg *domain.SignalingMessage) {
		if msg == nil || msg.To != local || msg.From == local {
			f.logger.Debugw("Discarding inbox message for another audience", "participant", local)
			return
		}
		handler(msg)
	})
	if err != nil {
		f.mu.Lock()
		delete(f.listeners, local)
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrSignalingUnavailable, channel, err)
	}
	l.sub = sub

	f.logger.Infow("Incoming call listener registered", "participant", local)
	return l, nil
}

func (f *FrontDoor) Listener(local domain.ParticipantID) (*IncomingCallListener, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[local]
	return l, ok
}

func (f *FrontDoor) Participants() []domain.ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]domain.ParticipantID, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *FrontDoor) Close() error {
	f.mu.Lock()
	listeners := make([]*IncomingCallListener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *IncomingCallListener) Participant() domain.ParticipantID { return l.local }

func (l *IncomingCallListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.door.mu.Lock()
		if l.door.listeners[l.local] == l {
			delete(l.door.listeners, l.local)
		}
		l.door.mu.Unlock()

		if l.sub != nil {
			err = l.sub.Close()
		}
		l.door.logger.Infow("Incoming call listener closed", "participant", l.local)
	})
	return err
}
