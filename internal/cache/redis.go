package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// RedisCache stores JSON-marshalled price points with per-entry expiry.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisCache(rdb *redis.Client, prefix string, logger *logrus.Logger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
	}
}

func (c *RedisCache) fullKey(key Key) string {
	return c.prefix + ":" + key.String()
}

func (c *RedisCache) Get(ctx context.Context, key Key) (models.PricePoint, bool, error) {
	data, err := c.rdb.Get(ctx, c.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PricePoint{}, false, nil
	}
	if err != nil {
		return models.PricePoint{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var point models.PricePoint
	if err := json.Unmarshal(data, &point); err != nil {
		// A corrupt entry is worth less than a miss. Drop it.
		c.logger.WithError(err).WithField("key", key.String()).Warn("Dropping undecodable cache entry")
		_ = c.rdb.Del(ctx, c.fullKey(key)).Err()
		return models.PricePoint{}, false, nil
	}
	return point, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, point models.PricePoint, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.fullKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	if err := c.rdb.Del(ctx, c.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) TTL(ctx context.Context, key Key) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, c.fullKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache ttl %s: %w", key, err)
	}
	// redis reports -2 for missing keys and -1 for keys without expiry;
	// both mean "no remaining TTL" to callers.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Health pings the backing redis.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
