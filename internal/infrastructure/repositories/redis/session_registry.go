package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "peercall:session:"

// RedisSessionRegistry enforces one call per pair across every process that
// shares the Redis instance. Each claim is a renewed lease owned by the call
// id, so a crashed process frees its pairs after one TTL.
type RedisSessionRegistry struct {
	leases *distributed.LeaseManager

	mu   sync.Mutex
	held map[domain.SessionKey]*distributed.Lease
}

func NewRedisSessionRegistry(client *redis.Client, ttl time.Duration) ports.SessionRegistry {
	return &RedisSessionRegistry{
		leases: distributed.NewLeaseManager(client, sessionKeyPrefix, ttl),
		held:   make(map[domain.SessionKey]*distributed.Lease),
	}
}

func (r *RedisSessionRegistry) Claim(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	lease, err := r.leases.TryAcquire(ctx, string(key), string(callID))
	if errors.Is(err, distributed.ErrLeaseHeld) {
		return fmt.Errorf("%w: %s", domain.ErrSessionClaimed, key)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.held[key] = lease
	r.mu.Unlock()
	return nil
}

func (r *RedisSessionRegistry) Release(ctx context.Context, key domain.SessionKey, callID domain.CallID) error {
	r.mu.Lock()
	lease, ok := r.held[key]
	if ok && lease.Owner() == string(callID) {
		delete(r.held, key)
	}
	r.mu.Unlock()

	if !ok || lease.Owner() != string(callID) {
		return nil
	}
	return lease.Release(ctx)
}

// Holder returns the call currently holding key, if any.
func (r *RedisSessionRegistry) Holder(ctx context.Context, key domain.SessionKey) (domain.CallID, error) {
	owner, err := r.leases.Holder(ctx, string(key))
	return domain.CallID(owner), err
}
