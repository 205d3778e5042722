package services

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

// SignalingRouter connects sessions to their pair channel and publishes on
// their behalf.
type SignalingRouter struct {
	transport   ports.SignalingTransport
	local       domain.ParticipantID
	sendTimeout time.Duration
	metrics     ports.CallMetrics
	logger      *zap.SugaredLogger
}

func NewSignalingRouter(
	transport ports.SignalingTransport,
	local domain.ParticipantID,
	sendTimeout time.Duration,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *SignalingRouter {
	if metrics == nil {
		metrics = ports.NopCallMetrics{}
	}
	return &SignalingRouter{
		transport:   transport,
		local:       local,
		sendTimeout: sendTimeout,
		metrics:     metrics,
		logger:      logger,
	}
}

// Accepts is the audience filter: only messages addressed to the local
// participant by someone else get through. It also drops our own echoes on
// shared channels.
func (r *SignalingRouter) Accepts(msg *domain.SignalingMessage) bool {
	return msg != nil && msg.To == r.local && msg.From != r.local
}

// Attach subscribes to the pair channel of key and forwards every message of
// call callID to deliver, in arrival order.
func (r *SignalingRouter) Attach(ctx context.Context, key domain.SessionKey, callID domain.CallID, deliver func(*domain.SignalingMessage)) (ports.Subscription, error) {
	channel := domain.PairChannel(key)

	sub, err := r.transport.Subscribe(ctx, channel, func(msg *domain.SignalingMessage) {
		if !r.Accepts(msg) {
			return
		}
		if err := msg.Validate(); err != nil {
			r.logger.Debugw("Dropping malformed message", "channel", channel, "error", err)
			return
		}
		if msg.SessionKey() != key {
			r.logger.Debugw("Dropping message for another pair", "channel", channel, "from", msg.From)
			return
		}
		if msg.CallID != callID {
			r.logger.Debugw("Dropping message of another call", "session_key", key, "call_id", msg.CallID, "kind", msg.Kind)
			return
		}
		deliver(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrSignalingUnavailable, channel, err)
	}
	return sub, nil
}

// Send publishes msg once, bounded by the send timeout. Failures are counted
// and returned; nothing is retried.
func (r *SignalingRouter) Send(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}

	if err := r.transport.Publish(ctx, channel, msg); err != nil {
		r.metrics.SignalSendFailed(msg.Kind)
		return fmt.Errorf("%w: publish %s to %s: %w", domain.ErrSignalingUnavailable, msg.Kind, channel, err)
	}
	return nil
}
