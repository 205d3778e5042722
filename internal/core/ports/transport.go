package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// MessageHandler receives messages of one subscription, one at a time and in
// arrival order.
type MessageHandler func(msg *domain.SignalingMessage)

type Subscription interface {
	Close() error
}

// SignalingTransport is the out-of-band pub/sub channel used to exchange
// signaling messages. Channel names come from domain.PairChannel and
// domain.InboxChannel.
type SignalingTransport interface {
	Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)
}
