// Package cache holds the trade counters and price ranges that back derived
// snapshots, in process or in Redis.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// LRUCache is a process-local cache. Price ranges live in a size-bounded
// LRU list with per-entry TTLs. Trade counters live in their own table so
// that evicting a price range never resets an agent's count; expired
// counters are swept once the table reaches the size bound.
// Used on its own for single-node deployments and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counterEntry
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counterEntry),
	}
}

func (c *LRUCache) get(tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

func (c *LRUCache) set(tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Update existing entry
	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	// Add new entry
	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// GetPriceRange returns the cached price range for an asset.
func (c *LRUCache) GetPriceRange(ctx context.Context, tenantID string, asset string) (*domain.PriceRange, error) {
	data, err := c.get(tenantID, priceRangeKey(asset))
	if err != nil || data == nil {
		return nil, err
	}
	return decodePriceRange(data)
}

// SetPriceRange caches the price range for an asset.
func (c *LRUCache) SetPriceRange(ctx context.Context, tenantID string, asset string, r domain.PriceRange, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.set(tenantID, priceRangeKey(asset), data, ttl)
}

// CountTrade bumps the agent's counter for the current fixed window.
func (c *LRUCache) CountTrade(ctx context.Context, tenantID string, agentID string, window time.Duration) (int64, error) {
	if tenantID == "" || agentID == "" {
		return 0, fmt.Errorf("tenantID and agentID are required")
	}

	fullKey := c.makeKey(tenantID, tradeCountKey(agentID))

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.counters[fullKey]
	if ok && !now.After(entry.expiresAt) {
		entry.count++
		return entry.count, nil
	}

	if !ok && len(c.counters) >= c.maxSize {
		c.sweepCounters(now)
	}
	c.counters[fullKey] = &counterEntry{
		count:     1,
		expiresAt: now.Add(window),
	}
	return 1, nil
}

// sweepCounters drops closed windows. Live counters are never dropped, so
// the table may exceed maxSize while many agents are active.
func (c *LRUCache) sweepCounters(now time.Time) {
	for key, entry := range c.counters {
		if now.After(entry.expiresAt) {
			delete(c.counters, key)
		}
	}
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.counters = make(map[string]*counterEntry)
	return nil
}

func priceRangeKey(asset string) string {
	return "prices:" + asset
}

func tradeCountKey(agentID string) string {
	return "trades:" + agentID
}

func decodePriceRange(data []byte) (*domain.PriceRange, error) {
	var r domain.PriceRange
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode price range: %w", err)
	}
	return &r, nil
}

func (c *LRUCache) makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
