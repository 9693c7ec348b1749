package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// consumeScript checks both window counters and increments both, or touches
// neither. Running it as a single script is what makes the dual decrement
// atomic for every process sharing the redis.
//
// KEYS[1] minute counter, KEYS[2] day counter
// ARGV[1] minute capacity, ARGV[2] day capacity
// ARGV[3] minute key TTL seconds, ARGV[4] day key TTL seconds
var consumeScript = redis.NewScript(`
local minute = tonumber(redis.call('GET', KEYS[1]) or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0')
if minute >= tonumber(ARGV[1]) or day >= tonumber(ARGV[2]) then
    return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

// Counter keys embed their UTC window, so a fixed TTL only has to outlive
// the window before the key becomes garbage.
const (
	minuteKeyTTL = 2 * time.Minute
	dayKeyTTL    = 26 * time.Hour
)

// RedisLimiter keeps the window counters in redis so every instance of the
// service draws from the same allowance and counters survive restarts.
type RedisLimiter struct {
	rdb       *redis.Client
	perMinute int
	perDay    int
	prefix    string
	logger    *logrus.Logger

	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, perMinute, perDay int, prefix string, logger *logrus.Logger) *RedisLimiter {
	return &RedisLimiter{
		rdb:       rdb,
		perMinute: perMinute,
		perDay:    perDay,
		prefix:    prefix,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow consumes one token from each window. A redis error fails closed: no
// token is granted, and the error is surfaced so callers can report it.
func (l *RedisLimiter) Allow(ctx context.Context) (bool, error) {
	now := l.now()
	keys := []string{minuteKey(l.prefix, now), dayKey(l.prefix, now)}
	args := []interface{}{
		l.perMinute,
		l.perDay,
		int(minuteKeyTTL.Seconds()),
		int(dayKeyTTL.Seconds()),
	}

	granted, err := consumeScript.Run(ctx, l.rdb, keys, args...).Int()
	if err != nil {
		l.logger.WithError(err).Error("Rate limiter store unreachable, failing closed")
		return false, fmt.Errorf("rate limiter consume: %w", err)
	}

	return granted == 1, nil
}

func (l *RedisLimiter) WaitTime(ctx context.Context) (time.Duration, error) {
	status, err := l.Status(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now()
	if status.DayRemaining == 0 {
		return status.DayReset.Sub(now), nil
	}
	if status.MinuteRemaining == 0 {
		return status.MinuteReset.Sub(now), nil
	}
	return 0, nil
}

func (l *RedisLimiter) Status(ctx context.Context) (Status, error) {
	now := l.now()
	vals, err := l.rdb.MGet(ctx, minuteKey(l.prefix, now), dayKey(l.prefix, now)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("rate limiter status: %w", err)
	}

	return Status{
		MinuteRemaining: remaining(l.perMinute, counterValue(vals[0])),
		DayRemaining:    remaining(l.perDay, counterValue(vals[1])),
		MinuteReset:     nextMinute(now),
		DayReset:        nextMidnightUTC(now),
	}, nil
}

// counterValue decodes an MGET result: missing keys count as zero.
func counterValue(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}
