package cache

import (
	"time"

	"github.com/TimChild/papertrade-marketdata/internal/config"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// TTLPolicy computes how long a price point is worth keeping in the hot
// tier. The answer depends on the interval, whether the data's trading date
// is behind us, and whether the market is currently open:
//
//   - intraday, past date: 0. Yesterday's 15min bars are historical data
//     nobody re-requests through the hot path, so they are not cached at all
//   - intraday, today: short TTL while the market moves, longer after close
//   - daily, today: the value still changes until the close, so a medium TTL
//     during hours and a longer one after
//   - daily, past date: effectively immutable, cached for a day
type TTLPolicy struct {
	intradayOpen   time.Duration
	intradayClosed time.Duration
	dailyOpen      time.Duration
	dailyClosed    time.Duration
	historical     time.Duration

	loc *time.Location
	now func() time.Time
}

func NewTTLPolicy(cfg config.CacheConfig, loc *time.Location) TTLPolicy {
	if loc == nil {
		loc = time.UTC
	}
	return TTLPolicy{
		intradayOpen:   cfg.IntradayOpenTTL,
		intradayClosed: cfg.IntradayClosedTTL,
		dailyOpen:      cfg.DailyOpenTTL,
		dailyClosed:    cfg.DailyClosedTTL,
		historical:     cfg.HistoricalTTL,
		loc:            loc,
		now:            time.Now,
	}
}

// WithClock returns a copy of the policy that reads time from now instead
// of time.Now.
func (p TTLPolicy) WithClock(now func() time.Time) TTLPolicy {
	p.now = now
	return p
}

// TTLFor returns the cache lifetime for a point at the given interval whose
// trading date is date (2006-01-02, market timezone). Zero means "do not
// cache".
func (p TTLPolicy) TTLFor(interval models.Interval, date string) time.Duration {
	now := p.now().In(p.loc)
	today := now.Format("2006-01-02")

	if interval.Intraday() {
		if date < today {
			return 0
		}
		if p.MarketOpen(now) {
			return p.intradayOpen
		}
		return p.intradayClosed
	}

	if date < today {
		return p.historical
	}
	if p.MarketOpen(now) {
		return p.dailyOpen
	}
	return p.dailyClosed
}

// Today returns the current trading date in the market timezone. Tier
// decisions about "today" follow the exchange's calendar, not UTC.
func (p TTLPolicy) Today() string {
	return p.now().In(p.loc).Format("2006-01-02")
}

// DateOf formats a timestamp as a trading date in the market timezone.
func (p TTLPolicy) DateOf(ts time.Time) string {
	return ts.In(p.loc).Format("2006-01-02")
}

// MarketOpen is a plain-hours check: weekdays 09:30–16:00 exchange time.
// Exchange holidays fall through to the regular-hours TTL, which only makes
// a cache entry live a little shorter than it could.
func (p TTLPolicy) MarketOpen(t time.Time) bool {
	t = t.In(p.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// LastCompletedTradingDay returns the date (market timezone) of the most
// recent session that had already closed as of t. During a session, or on a
// weekend, that is the previous weekday.
func (p TTLPolicy) LastCompletedTradingDay(t time.Time) string {
	t = t.In(p.loc)
	for {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			if t.Hour()*60+t.Minute() >= 16*60 {
				return t.Format("2006-01-02")
			}
		}
		t = t.AddDate(0, 0, -1)
		t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, p.loc)
	}
}
