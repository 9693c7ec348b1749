package models

import (
	"fmt"
	"time"
)

// Source identifies which tier produced a price point.
type Source string

const (
	SourceProvider Source = "provider"
	SourceCache    Source = "cache"
	SourceStore    Source = "store"
)

// DefaultCurrency tags prices when the upstream does not report one.
const DefaultCurrency = "USD"

// PricePoint is a single price observation for a ticker. Points are value
// types: tiers hand out copies, and derived variants (WithSource, AsStale)
// never mutate the original.
//
// Daily points are timestamped at 00:00 UTC of their trading day so that
// repeated upserts for the same day converge on one row. Intraday points
// carry the exact bar time in UTC.
type PricePoint struct {
	Ticker    string    `json:"ticker" db:"ticker"`
	Price     float64   `json:"price" db:"price"`
	Currency  string    `json:"currency" db:"currency"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Source    Source    `json:"source"`
	Interval  Interval  `json:"interval" db:"interval"`
	Open      float64   `json:"open,omitempty" db:"open"`
	High      float64   `json:"high,omitempty" db:"high"`
	Low       float64   `json:"low,omitempty" db:"low"`
	Close     float64   `json:"close,omitempty" db:"close"`
	Volume    float64   `json:"volume,omitempty" db:"volume"`
	// Stale marks a point served from a tier after the fresh path failed
	// (rate limited or provider down). Callers decide whether stale data
	// is acceptable; the gateway never hides it.
	Stale bool `json:"stale,omitempty"`
}

// HasOHLC reports whether the optional bar fields are populated. Prices are
// strictly positive, so zero high/low means the fields were never set.
func (p PricePoint) HasOHLC() bool {
	return p.High > 0 && p.Low > 0
}

// Validate checks the structural invariants: positive price, known interval,
// a real timestamp, and, when OHLC is present, low <= open,close <= high.
func (p PricePoint) Validate() error {
	if p.Ticker == "" {
		return &InvalidPriceDataError{Ticker: p.Ticker, Reason: "empty ticker"}
	}
	if p.Price <= 0 {
		return &InvalidPriceDataError{Ticker: p.Ticker, Reason: fmt.Sprintf("non-positive price %v", p.Price)}
	}
	if !p.Interval.Valid() {
		return &InvalidPriceDataError{Ticker: p.Ticker, Reason: fmt.Sprintf("unknown interval %q", p.Interval)}
	}
	if p.Timestamp.IsZero() {
		return &InvalidPriceDataError{Ticker: p.Ticker, Reason: "zero timestamp"}
	}
	if p.Volume < 0 {
		return &InvalidPriceDataError{Ticker: p.Ticker, Reason: fmt.Sprintf("negative volume %v", p.Volume)}
	}
	if p.HasOHLC() {
		if p.Low > p.High || p.Open < p.Low || p.Open > p.High || p.Close < p.Low || p.Close > p.High {
			return &InvalidPriceDataError{
				Ticker: p.Ticker,
				Reason: fmt.Sprintf("OHLC out of order: open=%v high=%v low=%v close=%v", p.Open, p.High, p.Low, p.Close),
			}
		}
	}
	return nil
}

// Equal compares all fields, with timestamps compared at second precision.
func (p PricePoint) Equal(other PricePoint) bool {
	return p.Ticker == other.Ticker &&
		p.Price == other.Price &&
		p.Currency == other.Currency &&
		p.Timestamp.Truncate(time.Second).Equal(other.Timestamp.Truncate(time.Second)) &&
		p.Source == other.Source &&
		p.Interval == other.Interval &&
		p.Open == other.Open &&
		p.High == other.High &&
		p.Low == other.Low &&
		p.Close == other.Close &&
		p.Volume == other.Volume &&
		p.Stale == other.Stale
}

// WithSource returns a copy of the point attributed to the given tier.
func (p PricePoint) WithSource(s Source) PricePoint {
	p.Source = s
	return p
}

// AsStale returns a copy flagged as stale.
func (p PricePoint) AsStale() PricePoint {
	p.Stale = true
	return p
}

// TradingDay returns the point's calendar date in the given location,
// formatted as 2006-01-02.
func (p PricePoint) TradingDay(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return p.Timestamp.In(loc).Format("2006-01-02")
}
