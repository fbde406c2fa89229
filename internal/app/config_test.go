package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, 10*time.Second, cfg.LockTTL)
	require.Equal(t, 5*time.Second, cfg.RepositoryTimeout)
	require.Equal(t, 8, cfg.BatchConcurrency)
	require.Equal(t, "notifications", cfg.NotifyQueue)
	require.False(t, cfg.IsProduction())
	require.Equal(t, int32(10), cfg.DBOptions().MaxConns)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisOptions().Addr)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("BATCH_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("BATCH_CONCURRENCY", "4")
	t.Setenv("LOCK_TTL", "-1s")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOCK_TTL", "3s")
	t.Setenv("REDIS_DB", "2")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 3*time.Second, cfg.LockTTL)
	require.Equal(t, 2, cfg.RedisOptions().DB)
}
