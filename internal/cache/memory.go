package cache

import (
	"context"
	"sync"
	"time"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// memoryMaxItems is a soft cap; when crossed, a Set sweeps expired entries.
const memoryMaxItems = 4096

// MemoryCache keeps entries in a process-local map. It backs tests and
// single-node development; shared deployments use RedisCache so all
// instances see the same hot tier.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry

	now func() time.Time
}

type memoryEntry struct {
	point     models.PricePoint
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key Key) (models.PricePoint, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key.String()]
	c.mu.RUnlock()

	if !ok {
		return models.PricePoint{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key.String())
		c.mu.Unlock()
		return models.PricePoint{}, false, nil
	}
	return entry.point, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key Key, point models.PricePoint, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key.String()] = memoryEntry{point: point, expiresAt: c.now().Add(ttl)}
	if len(c.items) > memoryMaxItems {
		c.sweepLocked()
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key Key) error {
	c.mu.Lock()
	delete(c.items, key.String())
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) TTL(ctx context.Context, key Key) (time.Duration, error) {
	c.mu.RLock()
	entry, ok := c.items[key.String()]
	c.mu.RUnlock()

	if !ok {
		return 0, nil
	}
	d := entry.expiresAt.Sub(c.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// sweepLocked drops expired entries. Callers hold the write lock.
func (c *MemoryCache) sweepLocked() {
	now := c.now()
	for k, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			delete(c.items, k)
		}
	}
}
