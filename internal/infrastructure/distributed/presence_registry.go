package distributed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"peercall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence records that a participant holds at least one connection on a
// relay instance.
type Presence struct {
	Participant domain.ParticipantID
	InstanceID  string
	SeenAt      time.Time
}

// PresenceRegistry tracks connected participants across relay instances.
// Each participant has a hash of instance id to last-seen time, so one
// instance dropping its connections never hides connections held elsewhere.
// Entries not refreshed within the TTL are ignored.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
	prefix     string
}

func NewPresenceRegistry(
	client *redis.Client,
	instanceID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		prefix:     "peercall:presence:",
	}
}

// Register marks id as present on this instance. Calling it again refreshes
// the entry.
func (r *PresenceRegistry) Register(ctx context.Context, id domain.ParticipantID) error {
	key := r.presenceKey(id)
	instanceKey := r.instanceKey(r.instanceID)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, r.instanceID, now)
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, instanceKey, string(id))
		pipe.Expire(ctx, instanceKey, 2*r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Refresh(ctx context.Context, id domain.ParticipantID) error {
	return r.Register(ctx, id)
}

// Unregister removes this instance's entry for id. Entries of other
// instances are untouched.
func (r *PresenceRegistry) Unregister(ctx context.Context, id domain.ParticipantID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.presenceKey(id), r.instanceID)
		pipe.SRem(ctx, r.instanceKey(r.instanceID), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

// Lookup returns the instances id is connected to, or nothing when it is not
// connected anywhere.
func (r *PresenceRegistry) Lookup(ctx context.Context, id domain.ParticipantID) ([]Presence, error) {
	entries, err := r.client.HGetAll(ctx, r.presenceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	cutoff := time.Now().Add(-r.ttl)
	var out []Presence
	for instance, raw := range entries {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			r.logger.Debugw("ignoring malformed presence entry", "participant", id, "instance_id", instance)
			continue
		}
		seen := time.UnixMilli(ms)
		if seen.Before(cutoff) {
			continue
		}
		out = append(out, Presence{Participant: id, InstanceID: instance, SeenAt: seen})
	}
	return out, nil
}

func (r *PresenceRegistry) IsOnline(ctx context.Context, id domain.ParticipantID) (bool, error) {
	p, err := r.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return len(p) > 0, nil
}

// InstanceParticipants lists the participants registered by this instance.
func (r *PresenceRegistry) InstanceParticipants(ctx context.Context) ([]domain.ParticipantID, error) {
	ids, err := r.client.SMembers(ctx, r.instanceKey(r.instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance participants: %w", err)
	}

	result := make([]domain.ParticipantID, len(ids))
	for i, id := range ids {
		result[i] = domain.ParticipantID(id)
	}
	return result, nil
}

// CleanupInstance unregisters every participant of this instance, e.g. on
// shutdown.
func (r *PresenceRegistry) CleanupInstance(ctx context.Context) error {
	ids, err := r.InstanceParticipants(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := r.Unregister(ctx, id); err != nil {
			r.logger.Warnw("failed to unregister participant during cleanup",
				"participant", id,
				"error", err,
			)
		}
	}

	return r.client.Del(ctx, r.instanceKey(r.instanceID)).Err()
}

func (r *PresenceRegistry) presenceKey(id domain.ParticipantID) string {
	return r.prefix + string(id)
}

func (r *PresenceRegistry) instanceKey(instanceID string) string {
	return fmt.Sprintf("peercall:instance:%s:participants", instanceID)
}
