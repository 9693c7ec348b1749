// Package cache is the hot tier: short-lived price points keyed by ticker,
// interval, and trading date. Date-scoped keys keep values small and let a
// whole day expire on its own instead of living inside one growing blob.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// Key addresses one cached price point.
type Key struct {
	Ticker   string
	Interval models.Interval
	// Date is the civil trading date (2006-01-02) in the market timezone.
	Date string
}

func NewKey(ticker string, interval models.Interval, date string) Key {
	return Key{Ticker: ticker, Interval: interval, Date: date}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Ticker, k.Interval, k.Date)
}

// PriceCache is implemented by the redis-backed cache and the in-memory
// cache. Get reports (point, found, error); implementations return found
// only for unexpired entries. Set with a non-positive TTL is a no-op, which
// is how the TTL policy says "do not cache".
type PriceCache interface {
	Get(ctx context.Context, key Key) (models.PricePoint, bool, error)
	Set(ctx context.Context, key Key, point models.PricePoint, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
	// TTL reports the remaining lifetime of an entry; zero when the key is
	// absent or already expired.
	TTL(ctx context.Context, key Key) (time.Duration, error)
}
