package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter enforces the same dual-window contract inside a single
// process. Its counters neither survive restarts nor shared deployments, so
// it serves tests and single-node development; anything running more than
// one instance shares counters through RedisLimiter instead.
type MemoryLimiter struct {
	perMinute int
	perDay    int

	mu     sync.Mutex
	minute window
	day    window

	now func() time.Time
}

type window struct {
	start time.Time
	used  int
}

func NewMemoryLimiter(perMinute, perDay int) *MemoryLimiter {
	return &MemoryLimiter{
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.minute.used >= l.perMinute || l.day.used >= l.perDay {
		return false, nil
	}
	l.minute.used++
	l.day.used++
	return true, nil
}

func (l *MemoryLimiter) WaitTime(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.day.used >= l.perDay {
		return nextMidnightUTC(now).Sub(now), nil
	}
	if l.minute.used >= l.perMinute {
		return nextMinute(now).Sub(now), nil
	}
	return 0, nil
}

func (l *MemoryLimiter) Status(ctx context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	return Status{
		MinuteRemaining: remaining(l.perMinute, l.minute.used),
		DayRemaining:    remaining(l.perDay, l.day.used),
		MinuteReset:     nextMinute(now),
		DayReset:        nextMidnightUTC(now),
	}, nil
}

// roll resets any window whose UTC boundary has passed. Callers hold the
// mutex.
func (l *MemoryLimiter) roll(now time.Time) {
	if minuteStart := now.Truncate(time.Minute); !minuteStart.Equal(l.minute.start) {
		l.minute = window{start: minuteStart}
	}

	u := now.UTC()
	dayStart := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if !dayStart.Equal(l.day.start) {
		l.day = window{start: dayStart}
	}
}
