package provider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/internal/ratelimit"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// Guarded wraps a Provider so that every upstream call first consumes one
// rate limit token. Denials and limiter failures surface as
// MarketDataUnavailableError before any network traffic happens.
type Guarded struct {
	provider Provider
	limiter  ratelimit.Limiter
	logger   *logrus.Logger
}

func NewGuarded(provider Provider, limiter ratelimit.Limiter, logger *logrus.Logger) *Guarded {
	return &Guarded{
		provider: provider,
		limiter:  limiter,
		logger:   logger,
	}
}

func (g *Guarded) FetchCurrent(ctx context.Context, ticker string) (models.PricePoint, error) {
	if err := g.acquire(ctx); err != nil {
		return models.PricePoint{}, err
	}
	return g.provider.FetchCurrent(ctx, ticker)
}

func (g *Guarded) FetchHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	return g.provider.FetchHistory(ctx, ticker, start, end, interval)
}

// acquire consumes one token, failing closed when the limiter itself is
// unreachable. An unreachable limiter means the shared allowance is unknown.
func (g *Guarded) acquire(ctx context.Context) error {
	allowed, err := g.limiter.Allow(ctx)
	if err != nil {
		g.logger.WithError(err).Error("Rate limiter unavailable, denying upstream call")
		return &models.MarketDataUnavailableError{
			Reason: "rate limiter unavailable",
			Err:    err,
		}
	}

	if !allowed {
		wait := g.waitTime(ctx)
		g.logger.WithField("retry_after", wait.String()).Warn("Rate limit exhausted, denying upstream call")
		return &models.MarketDataUnavailableError{
			Reason:     "rate limit exhausted",
			RetryAfter: wait,
		}
	}

	return nil
}

func (g *Guarded) waitTime(ctx context.Context) time.Duration {
	wait, err := g.limiter.WaitTime(ctx)
	if err != nil {
		return 0
	}
	return wait
}
