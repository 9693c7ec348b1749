// Package ratelimit guards the metered upstream provider with a dual-window
// quota: a per-minute window and a per-day window, both aligned to UTC
// boundaries. A call is admitted only when both windows have tokens, and
// admission consumes one token from each atomically, so concurrent callers
// across processes can never overshoot either window.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter is the quota gate in front of every provider call.
//
// Allow atomically checks both windows and consumes from both, or consumes
// nothing. A storage error means the limiter cannot verify quota, and the
// answer is false: the limiter fails closed rather than risking the upstream
// allowance.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
	// WaitTime reports how long until a token could next be available: the
	// next UTC minute boundary, or the next UTC midnight when the day
	// window is spent.
	WaitTime(ctx context.Context) (time.Duration, error)
	Status(ctx context.Context) (Status, error)
}

// Status is a point-in-time view of both windows.
type Status struct {
	MinuteRemaining int       `json:"minute_remaining"`
	DayRemaining    int       `json:"day_remaining"`
	MinuteReset     time.Time `json:"minute_reset"`
	DayReset        time.Time `json:"day_reset"`
}

func minuteKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%s:ratelimit:minute:%s", prefix, t.UTC().Format("200601021504"))
}

func dayKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%s:ratelimit:day:%s", prefix, t.UTC().Format("20060102"))
}

// nextMinute returns the upcoming minute boundary.
func nextMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

// nextMidnightUTC returns the upcoming UTC day boundary.
func nextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func remaining(capacity, used int) int {
	if used >= capacity {
		return 0
	}
	return capacity - used
}
