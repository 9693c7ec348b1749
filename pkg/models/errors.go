package models

import (
	"fmt"
	"time"
)

// TickerNotFoundError means the ticker is unknown to the provider or the
// warm store. It is never retried and never cached.
type TickerNotFoundError struct {
	Ticker string
}

func (e *TickerNotFoundError) Error() string {
	return fmt.Sprintf("ticker %q not found", e.Ticker)
}

// MarketDataUnavailableError covers transient failures: rate limiting,
// provider outage, network timeout, or no fallback data anywhere. RetryAfter
// carries the limiter's wait hint when the cause is quota exhaustion.
type MarketDataUnavailableError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *MarketDataUnavailableError) Error() string {
	msg := "market data unavailable"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MarketDataUnavailableError) Unwrap() error {
	return e.Err
}

// InvalidPriceDataError means the provider returned a payload that could not
// be parsed or that violates the OHLC ordering invariant.
type InvalidPriceDataError struct {
	Ticker string
	Reason string
}

func (e *InvalidPriceDataError) Error() string {
	if e.Ticker == "" {
		return "invalid price data: " + e.Reason
	}
	return fmt.Sprintf("invalid price data for %q: %s", e.Ticker, e.Reason)
}

// IntervalUnsupportedError means the provider rejected a request because the
// active plan does not include the interval. It never reaches gateway
// callers: the gateway narrows the capability snapshot and retries on the
// fallback chain.
type IntervalUnsupportedError struct {
	Interval Interval
}

func (e *IntervalUnsupportedError) Error() string {
	return fmt.Sprintf("interval %q not supported by the active provider plan", e.Interval)
}
