package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"peercall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFanout shares relay traffic between relay instances. Every publish
// goes to Redis and every instance delivers what it receives through a
// pattern subscription, its own publishes included, which keeps a single
// delivery path and per-channel ordering.
type RedisFanout struct {
	client  *redis.Client
	pattern string
	logger  *zap.SugaredLogger
}

func NewRedisFanout(client *redis.Client, logger *zap.SugaredLogger) *RedisFanout {
	return &RedisFanout{
		client:  client,
		pattern: domain.ChannelPattern,
		logger:  logger,
	}
}

func (f *RedisFanout) Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to fan out message: %w", err)
	}
	return nil
}

// Run delivers every message seen on the pattern until ctx is done. ready is
// closed once the pattern subscription is confirmed.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}, deliver func(channel string, msg *domain.SignalingMessage)) error {
	pubsub := f.client.PSubscribe(ctx, f.pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.pattern, err)
	}
	if ready != nil {
		close(ready)
	}
	f.logger.Infow("relay fan-out subscribed", "pattern", f.pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg domain.SignalingMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.logger.Warnw("failed to unmarshal fan-out message",
					"channel", m.Channel,
					"error", err,
				)
				continue
			}
			deliver(m.Channel, &msg)
		}
	}
}
