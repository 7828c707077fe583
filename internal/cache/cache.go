package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// New creates a cache based on configuration: "memory" for a process-local
// LRU, "redis" for a shared Redis cache, optionally fronted by a local L1.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache fronts Redis with a local LRU for price ranges.
// L1: Local LRU for fast reads, held at most LocalTTL
// L2: Redis, shared by every node
// Trade counters always go to Redis so every node sees the same count.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// GetPriceRange reads L1 first, then L2. An L2 hit populates L1.
func (c *TwoPhaseCache) GetPriceRange(ctx context.Context, tenantID string, asset string) (*domain.PriceRange, error) {
	r, err := c.local.GetPriceRange(ctx, tenantID, asset)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	r, err = c.remote.GetPriceRange(ctx, tenantID, asset)
	if err != nil {
		return nil, err
	}
	if r != nil {
		_ = c.local.SetPriceRange(ctx, tenantID, asset, *r, c.l1TTL)
	}

	return r, nil
}

// SetPriceRange writes L1 with the shorter of ttl and LocalTTL, and L2 with ttl.
func (c *TwoPhaseCache) SetPriceRange(ctx context.Context, tenantID string, asset string, r domain.PriceRange, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.SetPriceRange(ctx, tenantID, asset, r, l1TTL); err != nil {
		return err
	}
	return c.remote.SetPriceRange(ctx, tenantID, asset, r, ttl)
}

// CountTrade counts in Redis only.
func (c *TwoPhaseCache) CountTrade(ctx context.Context, tenantID string, agentID string, window time.Duration) (int64, error) {
	return c.remote.CountTrade(ctx, tenantID, agentID, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
