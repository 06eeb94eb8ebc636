package config_test

import (
	"testing"
	"time"

	"github.com/relatehq/engine/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "STORAGE_DRIVER", "DATABASE_URL",
		"CACHE_DRIVER", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"CACHE_TTL", "CHECK_DEPTH_LIMIT", "REQUEST_TIMEOUT", "HIERARCHY_OVERRIDE_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StorageDriver)
	assert.Equal(t, "memory", cfg.CacheDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 16, cfg.CheckDepthLimit)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/db")
	t.Setenv("CACHE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CACHE_TTL", "10m")
	t.Setenv("CHECK_DEPTH_LIMIT", "32")
	t.Setenv("REQUEST_TIMEOUT", "500ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StorageDriver)
	assert.Equal(t, "postgres://prod:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis", cfg.CacheDriver)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.RedisPass)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 32, cfg.CheckDepthLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestTimeout)
}

func TestLoad_InvalidIntegerRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHECK_DEPTH_LIMIT", "not-a-number")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_InvalidDurationRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHE_TTL", "not-a-duration")

	_, err := config.Load()
	assert.Error(t, err)
}
