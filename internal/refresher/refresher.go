// Package refresher keeps the watchlist warm: a cron-driven, deliberately
// sequential walk over the configured tickers. The inter-ticker delay keeps
// a full run under the per-minute provider quota on its own; the rate
// limiter stays as the hard stop.
package refresher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/internal/config"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// historyWarmSpan is how much daily history a warming pass covers.
const historyWarmSpan = 30 * 24 * time.Hour

// Gateway is the slice of the price API the refresher drives.
type Gateway interface {
	RefreshCurrentPrice(ctx context.Context, ticker string) (models.PricePoint, error)
	GetPriceHistory(ctx context.Context, ticker string, start, end time.Time) ([]models.PricePoint, error)
}

type Refresher struct {
	gateway     Gateway
	watchlist   []string
	schedule    string
	tickerDelay time.Duration
	warmHistory bool
	cron        *cron.Cron
	logger      *logrus.Logger

	now func() time.Time
}

func NewRefresher(gateway Gateway, cfg config.RefreshConfig, loc *time.Location, logger *logrus.Logger) *Refresher {
	if loc == nil {
		loc = time.UTC
	}
	cronScheduler := cron.New(cron.WithSeconds(), cron.WithLocation(loc))

	return &Refresher{
		gateway:     gateway,
		watchlist:   cfg.Watchlist,
		schedule:    cfg.Schedule,
		tickerDelay: cfg.TickerDelay,
		warmHistory: cfg.WarmHistory,
		cron:        cronScheduler,
		logger:      logger,
		now:         time.Now,
	}
}

func (r *Refresher) Start(ctx context.Context) error {
	if len(r.watchlist) == 0 {
		r.logger.Info("Watchlist empty, refresher disabled")
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"schedule":      r.schedule,
		"tickers_count": len(r.watchlist),
	}).Info("Starting watchlist refresher")

	_, err := r.cron.AddFunc(r.schedule, func() {
		r.RefreshAll(ctx)
	})
	if err != nil {
		return err
	}

	r.cron.Start()

	// Warm the tiers right away rather than waiting for the first tick.
	go r.RefreshAll(ctx)

	return nil
}

func (r *Refresher) Stop() {
	r.logger.Info("Stopping watchlist refresher")
	r.cron.Stop()
}

// RefreshAll walks the watchlist once, sequentially. A provider-unavailable
// error aborts the remainder of the run: every later ticker would hit the
// same wall, and the next scheduled run catches up.
func (r *Refresher) RefreshAll(ctx context.Context) {
	runID := uuid.New().String()
	log := r.logger.WithField("run_id", runID)

	start := time.Now()
	log.WithField("tickers_count", len(r.watchlist)).Info("Starting watchlist refresh run")

	refreshed := 0
	for i, ticker := range r.watchlist {
		if i > 0 && r.tickerDelay > 0 {
			if err := sleepCtx(ctx, r.tickerDelay); err != nil {
				log.Warn("Refresh run cancelled")
				return
			}
		}
		if ctx.Err() != nil {
			log.Warn("Refresh run cancelled")
			return
		}

		point, err := r.gateway.RefreshCurrentPrice(ctx, ticker)
		if err != nil {
			var unavailable *models.MarketDataUnavailableError
			if errors.As(err, &unavailable) {
				log.WithError(err).WithFields(logrus.Fields{
					"ticker":            ticker,
					"tickers_remaining": len(r.watchlist) - i,
				}).Warn("Aborting refresh run, provider unavailable")
				return
			}
			log.WithError(err).WithField("ticker", ticker).Error("Failed to refresh ticker")
			continue
		}

		refreshed++
		log.WithFields(logrus.Fields{
			"ticker": ticker,
			"price":  point.Price,
		}).Debug("Refreshed ticker")

		if r.warmHistory {
			if r.tickerDelay > 0 {
				if err := sleepCtx(ctx, r.tickerDelay); err != nil {
					log.Warn("Refresh run cancelled")
					return
				}
			}
			r.warmDailyHistory(ctx, log, ticker)
		}
	}

	log.WithFields(logrus.Fields{
		"refreshed_count": refreshed,
		"duration_ms":     time.Since(start).Milliseconds(),
	}).Info("Watchlist refresh run completed")
}

// warmDailyHistory pulls a month of daily bars through the gateway so the
// warm tier stays filled. Most passes are served from the store and cost no
// quota.
func (r *Refresher) warmDailyHistory(ctx context.Context, log *logrus.Entry, ticker string) {
	end := r.now()
	points, err := r.gateway.GetPriceHistory(ctx, ticker, end.Add(-historyWarmSpan), end)
	if err != nil {
		log.WithError(err).WithField("ticker", ticker).Warn("Failed to warm price history")
		return
	}

	log.WithFields(logrus.Fields{
		"ticker":       ticker,
		"points_count": len(points),
	}).Debug("Warmed price history")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
