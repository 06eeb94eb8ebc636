// Package config loads the engine's process configuration from
// environment variables, 12-factor style: there are no config files to
// parse at startup (a hierarchy override file is the one exception, and
// it is opt-in via HIERARCHY_OVERRIDE_PATH).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the engine's runtime configuration.
type Config struct {
	Port     string
	LogLevel string

	StorageDriver string // "memory" | "postgres" | "sqlite"
	DatabaseURL   string // postgres DSN, or a sqlite file path / ":memory:"

	CacheDriver string // "memory" | "redis" | "none"
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	CacheTTL    time.Duration

	CheckDepthLimit int
	RequestTimeout  time.Duration

	HierarchyOverridePath string
}

// Load reads Config from the environment, applying the defaults named in
// each field's env var.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnvDefault("PORT", "8080"),
		LogLevel:              getEnvDefault("LOG_LEVEL", "INFO"),
		StorageDriver:         getEnvDefault("STORAGE_DRIVER", "memory"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		CacheDriver:           getEnvDefault("CACHE_DRIVER", "memory"),
		RedisAddr:             getEnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPass:             os.Getenv("REDIS_PASSWORD"),
		HierarchyOverridePath: os.Getenv("HIERARCHY_OVERRIDE_PATH"),
	}

	redisDB, err := parseIntDefault("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = redisDB

	cacheTTL, err := parseDurationDefault("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.CacheTTL = cacheTTL

	depthLimit, err := parseIntDefault("CHECK_DEPTH_LIMIT", 16)
	if err != nil {
		return nil, err
	}
	cfg.CheckDepthLimit = depthLimit

	requestTimeout, err := parseDurationDefault("REQUEST_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout = requestTimeout

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func parseDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration (e.g. \"5m\"): %w", key, err)
	}
	return d, nil
}
