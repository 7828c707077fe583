package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis, so counters and price ranges are
// shared by every node. Used on its own or as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// countTradeScript increments a counter and starts its expiry on the first
// increment only, which gives fixed windows.
var countTradeScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// GetPriceRange returns the cached price range for an asset.
func (c *RedisCache) GetPriceRange(ctx context.Context, tenantID string, asset string) (*domain.PriceRange, error) {
	data, err := c.get(ctx, tenantID, priceRangeKey(asset))
	if err != nil || data == nil {
		return nil, err
	}
	return decodePriceRange(data)
}

// SetPriceRange caches the price range for an asset.
func (c *RedisCache) SetPriceRange(ctx context.Context, tenantID string, asset string, r domain.PriceRange, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.set(ctx, tenantID, priceRangeKey(asset), data, ttl)
}

// CountTrade bumps the agent's counter for the current fixed window.
func (c *RedisCache) CountTrade(ctx context.Context, tenantID string, agentID string, window time.Duration) (int64, error) {
	if tenantID == "" || agentID == "" {
		return 0, fmt.Errorf("tenantID and agentID are required")
	}

	fullKey := c.makeKey(tenantID, tradeCountKey(agentID))
	n, err := countTradeScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to count trade: %w", err)
	}
	return n, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "harrier:" + tenantID + ":" + key
}
