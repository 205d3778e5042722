package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLeaseHeld = errors.New("lease held by another owner")

// releaseScript deletes the key only while it still carries our value.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the TTL only while the key still carries our value.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lease is an exclusive, self-renewing claim on a Redis key. The owner value
// identifies the holder; only the holder can renew or release it.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration

	stopOnce  sync.Once
	stopRenew chan struct{}
	renewDone chan struct{}
}

// TryAcquire takes the lease without waiting. Re-acquiring a key we already
// own succeeds.
func TryAcquire(ctx context.Context, client *redis.Client, key, owner string, ttl time.Duration) (*Lease, error) {
	acquired, err := client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}

	if !acquired {
		current, err := client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to inspect lease %s: %w", key, err)
		}
		if current != owner {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
		}
	}

	l := &Lease{
		client:    client,
		key:       key,
		owner:     owner,
		ttl:       ttl,
		stopRenew: make(chan struct{}),
		renewDone: make(chan struct{}),
	}
	go l.renew()
	return l, nil
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Owner() string { return l.owner }

// Release stops renewal and deletes the key if we still own it.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })
	<-l.renewDone

	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// renew extends the lease at half its TTL until released or lost.
func (l *Lease) renew() {
	defer close(l.renewDone)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			kept, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || kept == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LeaseManager namespaces leases under a key prefix.
type LeaseManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLeaseManager(client *redis.Client, prefix string, ttl time.Duration) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (lm *LeaseManager) TryAcquire(ctx context.Context, key, owner string) (*Lease, error) {
	return TryAcquire(ctx, lm.client, lm.prefix+key, owner, lm.ttl)
}

// Holder returns the owner of key, or "" when it is free.
func (lm *LeaseManager) Holder(ctx context.Context, key string) (string, error) {
	owner, err := lm.client.Get(ctx, lm.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	return owner, nil
}
