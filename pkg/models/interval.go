package models

import (
	"fmt"
	"time"
)

// Interval is the time granularity of a price observation.
type Interval string

const (
	Interval1Min  Interval = "1min"
	Interval5Min  Interval = "5min"
	Interval15Min Interval = "15min"
	Interval30Min Interval = "30min"
	Interval1Hour Interval = "1hour"
	Interval1Day  Interval = "1day"
)

// intervalOrder lists intervals from finest to coarsest.
var intervalOrder = []Interval{
	Interval1Min,
	Interval5Min,
	Interval15Min,
	Interval30Min,
	Interval1Hour,
	Interval1Day,
}

var intervalDurations = map[Interval]time.Duration{
	Interval1Min:  time.Minute,
	Interval5Min:  5 * time.Minute,
	Interval15Min: 15 * time.Minute,
	Interval30Min: 30 * time.Minute,
	Interval1Hour: time.Hour,
	Interval1Day:  24 * time.Hour,
}

// Intervals returns all known intervals from finest to coarsest.
func Intervals() []Interval {
	out := make([]Interval, len(intervalOrder))
	copy(out, intervalOrder)
	return out
}

// ParseInterval validates a string against the known interval set.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the bar width of the interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Persistent reports whether points at this interval are written to the
// warm store. Intraday bars are cached only; daily bars are durable.
func (i Interval) Persistent() bool {
	return i == Interval1Day
}

// Intraday reports whether the interval is finer than one day.
func (i Interval) Intraday() bool {
	return i.Valid() && i != Interval1Day
}

// IntervalSet is an unordered set of intervals.
type IntervalSet map[Interval]struct{}

// NewIntervalSet builds a set from the given intervals, ignoring invalid ones.
func NewIntervalSet(intervals ...Interval) IntervalSet {
	s := make(IntervalSet, len(intervals))
	for _, iv := range intervals {
		if iv.Valid() {
			s[iv] = struct{}{}
		}
	}
	return s
}

// AllIntervals returns a set containing every known interval.
func AllIntervals() IntervalSet {
	return NewIntervalSet(intervalOrder...)
}

func (s IntervalSet) Has(iv Interval) bool {
	_, ok := s[iv]
	return ok
}

func (s IntervalSet) Add(iv Interval) {
	if iv.Valid() {
		s[iv] = struct{}{}
	}
}

func (s IntervalSet) Remove(iv Interval) {
	delete(s, iv)
}

// Clone returns an independent copy of the set.
func (s IntervalSet) Clone() IntervalSet {
	out := make(IntervalSet, len(s))
	for iv := range s {
		out[iv] = struct{}{}
	}
	return out
}

// Intervals returns the members from finest to coarsest.
func (s IntervalSet) Intervals() []Interval {
	out := make([]Interval, 0, len(s))
	for _, iv := range intervalOrder {
		if s.Has(iv) {
			out = append(out, iv)
		}
	}
	return out
}

func (s IntervalSet) String() string {
	return fmt.Sprintf("%v", s.Intervals())
}
