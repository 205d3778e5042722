package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport carries signaling messages over Redis pub/sub. The Redis
// channel is the signaling channel name and the payload is the JSON message,
// the same format the relay fan-out uses, so agents on Redis and clients of
// the relay can talk to each other.
type RedisTransport struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisTransport(client *redis.Client, logger *zap.SugaredLogger) *RedisTransport {
	return &RedisTransport{
		client: client,
		logger: logger,
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, msg *domain.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	t.logger.Debugw("published message",
		"channel", channel,
		"kind", msg.Kind,
		"call_id", msg.CallID,
	)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards can be missed.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler ports.MessageHandler) (ports.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.run(t.logger, handler)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

func (s *redisSubscription) run(logger *zap.SugaredLogger, handler ports.MessageHandler) {
	defer close(s.done)
	for m := range s.pubsub.Channel() {
		var msg domain.SignalingMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			logger.Warnw("failed to unmarshal message",
				"channel", m.Channel,
				"error", err,
			)
			continue
		}
		handler(&msg)
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
