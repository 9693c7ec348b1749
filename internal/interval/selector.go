// Package interval maps a requested time range onto the interval used to
// serve it. Selection is pure: no I/O, no clock, identical inputs always
// produce identical output.
package interval

import (
	"time"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

type Range string

const (
	Range1D  Range = "1D"
	Range1W  Range = "1W"
	Range1M  Range = "1M"
	Range3M  Range = "3M"
	Range1Y  Range = "1Y"
	RangeAll Range = "ALL"
)

// optimal is the preferred interval per range when the provider plan allows
// it. Longer ranges use daily bars regardless of plan.
var optimal = map[Range]models.Interval{
	Range1D:  models.Interval15Min,
	Range1W:  models.Interval1Hour,
	Range1M:  models.Interval1Day,
	Range3M:  models.Interval1Day,
	Range1Y:  models.Interval1Day,
	RangeAll: models.Interval1Day,
}

// chains holds the degradation order from each interval. Every chain ends at
// the daily interval, which is always assumed available.
var chains = map[models.Interval][]models.Interval{
	models.Interval1Min:  {models.Interval1Min, models.Interval5Min, models.Interval15Min, models.Interval30Min, models.Interval1Hour, models.Interval1Day},
	models.Interval5Min:  {models.Interval5Min, models.Interval15Min, models.Interval30Min, models.Interval1Hour, models.Interval1Day},
	models.Interval15Min: {models.Interval15Min, models.Interval30Min, models.Interval1Hour, models.Interval1Day},
	models.Interval30Min: {models.Interval30Min, models.Interval1Hour, models.Interval1Day},
	models.Interval1Hour: {models.Interval1Hour, models.Interval1Day},
	models.Interval1Day:  {models.Interval1Day},
}

// Select returns the interval to serve the range with, walking the fallback
// chain until it reaches an interval in supported. Unknown ranges and
// exhausted chains both land on the daily terminal.
func Select(r Range, supported models.IntervalSet) models.Interval {
	opt, ok := optimal[r]
	if !ok {
		return models.Interval1Day
	}
	return Fallback(opt, supported)
}

// Fallback returns the first supported interval in the chain starting at iv.
func Fallback(iv models.Interval, supported models.IntervalSet) models.Interval {
	for _, candidate := range chains[iv] {
		if supported.Has(candidate) {
			return candidate
		}
	}
	return models.Interval1Day
}

// RangeForDuration buckets an explicit [start, end] span into the smallest
// range that covers it, so history calls without an interval reuse the same
// selection table.
func RangeForDuration(d time.Duration) Range {
	const day = 24 * time.Hour
	switch {
	case d <= day:
		return Range1D
	case d <= 7*day:
		return Range1W
	case d <= 31*day:
		return Range1M
	case d <= 92*day:
		return Range3M
	case d <= 366*day:
		return Range1Y
	default:
		return RangeAll
	}
}
