package domain

import (
	"context"
	"time"
)

// Cache holds the short-lived state behind derived snapshots: per-agent
// trade counters and per-asset price ranges. Every key is scoped by tenantID,
// which is required on every call.
type Cache interface {
	// CountTrade bumps the agent's trade counter and returns the new count.
	// Windows are fixed, not sliding: the first trade opens a window of the
	// given length and the count restarts at 1 once that window has closed.
	CountTrade(ctx context.Context, tenantID, agentID string, window time.Duration) (int64, error)

	// GetPriceRange returns the cached price range for an asset.
	// Returns nil, nil if none is cached.
	GetPriceRange(ctx context.Context, tenantID, asset string) (*PriceRange, error)

	// SetPriceRange caches the price range for an asset until ttl elapses.
	SetPriceRange(ctx context.Context, tenantID, asset string, r PriceRange, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"enable_two_phase"` // If true, check local first, then Redis
}
