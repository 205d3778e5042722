package repositories

import (
	"context"
	"testing"

	"peercall/internal/core/domain"
	"peercall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))

	reg := f.CreateSessionRegistry()
	key := domain.NewSessionKey("alice", "bob")
	require.NoError(t, reg.Claim(context.Background(), key, "c1"))
	assert.ErrorIs(t, reg.Claim(context.Background(), key, "c2"), domain.ErrSessionClaimed)
}

func TestRepositoryFactory_FallsBackWhenRedisIsDown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))
}
