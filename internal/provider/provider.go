// Package provider defines the cold tier: the upstream market data source.
// Every call here is metered, so callers go through Guarded rather than
// hitting an implementation directly.
package provider

import (
	"context"
	"time"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

type Provider interface {
	// FetchCurrent returns the latest quote for the ticker.
	FetchCurrent(ctx context.Context, ticker string) (models.PricePoint, error)

	// FetchHistory returns bars for the ticker in [start, end] at the given
	// interval, oldest first.
	FetchHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error)
}
