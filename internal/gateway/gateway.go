// Package gateway chains the three tiers into one price API: redis cache
// (hot), postgres store (warm), rate-limited provider (cold). Every miss
// escalates one tier and every provider result is written back down, so the
// expensive tier is hit as rarely as the TTL policy allows.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/internal/cache"
	"github.com/TimChild/papertrade-marketdata/internal/interval"
	"github.com/TimChild/papertrade-marketdata/internal/provider"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// defaultPriceAtDistance bounds how far GetPriceAt may stray from the
// requested timestamp before the answer counts as missing.
const defaultPriceAtDistance = 24 * time.Hour

// Store is the warm tier as the gateway needs it.
type Store interface {
	Save(ctx context.Context, point models.PricePoint) error
	SaveBatch(ctx context.Context, points []models.PricePoint) error
	GetLatest(ctx context.Context, ticker string) (models.PricePoint, error)
	GetAt(ctx context.Context, ticker string, ts time.Time, window time.Duration) (models.PricePoint, error)
	GetHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error)
}

// Capabilities narrows interval choices to what the provider plan serves.
type Capabilities interface {
	Supported() models.IntervalSet
	MarkUnsupported(models.Interval)
}

type Config struct {
	// PriceAtMaxDistance is the search window around a GetPriceAt
	// timestamp. Zero or negative falls back to 24h.
	PriceAtMaxDistance time.Duration
}

type Gateway struct {
	hot    cache.PriceCache
	warm   Store
	cold   provider.Provider
	caps   Capabilities
	policy cache.TTLPolicy
	logger *logrus.Logger

	priceAtDistance time.Duration

	now func() time.Time
}

func New(hot cache.PriceCache, warm Store, cold provider.Provider, caps Capabilities, policy cache.TTLPolicy, cfg Config, logger *logrus.Logger) *Gateway {
	distance := cfg.PriceAtMaxDistance
	if distance <= 0 {
		distance = defaultPriceAtDistance
	}

	return &Gateway{
		hot:             hot,
		warm:            warm,
		cold:            cold,
		caps:            caps,
		policy:          policy,
		logger:          logger,
		priceAtDistance: distance,
		now:             time.Now,
	}
}

// GetCurrentPrice returns the freshest available price for the ticker,
// falling back to a flagged stale point when the provider cannot be reached.
func (g *Gateway) GetCurrentPrice(ctx context.Context, ticker string) (models.PricePoint, error) {
	ticker, err := normalizeTicker(ticker)
	if err != nil {
		return models.PricePoint{}, err
	}

	key := cache.NewKey(ticker, models.Interval1Day, g.policy.Today())
	if point, found := g.cacheGet(ctx, key); found {
		return point.WithSource(models.SourceCache), nil
	}

	// Warm tier: authoritative once the session it covers has closed,
	// otherwise kept around as the stale fallback.
	var fallback *models.PricePoint
	latest, err := g.warm.GetLatest(ctx, ticker)
	switch {
	case err == nil:
		if g.currentFromStoreFresh(latest) {
			g.cacheSet(ctx, key, latest)
			return latest, nil
		}
		fallback = &latest
	case isNotFound(err):
	default:
		g.logger.WithError(err).WithField("ticker", ticker).Warn("Warm tier read failed, treating as miss")
	}

	point, err := g.cold.FetchCurrent(ctx, ticker)
	if err != nil {
		var notFound *models.TickerNotFoundError
		if errors.As(err, &notFound) {
			return models.PricePoint{}, err
		}
		if fallback != nil {
			g.logger.WithFields(logrus.Fields{
				"ticker": ticker,
				"as_of":  fallback.Timestamp.Format(time.RFC3339),
			}).Info("Provider unavailable, serving stale price from store")
			return fallback.AsStale(), nil
		}
		return models.PricePoint{}, err
	}

	g.writeThrough(ctx, ticker, point)
	return point, nil
}

// RefreshCurrentPrice bypasses the hot-tier read and goes to the provider,
// still writing the result back through the tiers. Unlike GetCurrentPrice it
// does not soften provider failures with stale data: a refresh either
// refreshes or reports why it could not.
func (g *Gateway) RefreshCurrentPrice(ctx context.Context, ticker string) (models.PricePoint, error) {
	ticker, err := normalizeTicker(ticker)
	if err != nil {
		return models.PricePoint{}, err
	}

	point, err := g.cold.FetchCurrent(ctx, ticker)
	if err != nil {
		return models.PricePoint{}, err
	}

	g.writeThrough(ctx, ticker, point)
	return point, nil
}

// GetPriceAt returns the price closest to ts, resolved at daily granularity.
// Intraday bars are not persisted, so historical point-in-time lookups
// answer with the surrounding daily bar.
func (g *Gateway) GetPriceAt(ctx context.Context, ticker string, ts time.Time) (models.PricePoint, error) {
	ticker, err := normalizeTicker(ticker)
	if err != nil {
		return models.PricePoint{}, err
	}

	key := cache.NewKey(ticker, models.Interval1Day, g.policy.DateOf(ts))
	if point, found := g.cacheGet(ctx, key); found {
		return point.WithSource(models.SourceCache), nil
	}

	point, err := g.warm.GetAt(ctx, ticker, ts, g.priceAtDistance)
	switch {
	case err == nil:
		g.cacheSet(ctx, key, point)
		return point, nil
	case isNotFound(err):
	default:
		g.logger.WithError(err).WithField("ticker", ticker).Warn("Warm tier read failed, treating as miss")
	}

	points, err := g.cold.FetchHistory(ctx, ticker, ts.Add(-g.priceAtDistance), ts.Add(g.priceAtDistance), models.Interval1Day)
	if err != nil {
		return models.PricePoint{}, err
	}

	closest, ok := closestTo(points, ts, g.priceAtDistance)
	if !ok {
		return models.PricePoint{}, &models.MarketDataUnavailableError{
			Reason: fmt.Sprintf("no price for %s within %s of %s", ticker, g.priceAtDistance, ts.Format(time.RFC3339)),
		}
	}

	if err := g.warm.SaveBatch(ctx, points); err != nil {
		g.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to persist fetched history")
	}
	g.cacheSet(ctx, key, closest)

	return closest, nil
}

// GetPriceHistory picks the interval for the span via the selection table
// and the current capability set.
func (g *Gateway) GetPriceHistory(ctx context.Context, ticker string, start, end time.Time) ([]models.PricePoint, error) {
	r := interval.RangeForDuration(end.Sub(start))
	iv := interval.Select(r, g.caps.Supported())
	return g.history(ctx, ticker, start, end, iv)
}

// GetPriceHistoryWithInterval serves the span at the caller's interval,
// degraded along the fallback chain if the plan does not include it. The
// returned points report the interval actually used.
func (g *Gateway) GetPriceHistoryWithInterval(ctx context.Context, ticker string, start, end time.Time, iv models.Interval) ([]models.PricePoint, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("invalid interval %q", iv)
	}
	iv = interval.Fallback(iv, g.caps.Supported())
	return g.history(ctx, ticker, start, end, iv)
}

// history runs the tiered fetch, downgrading the interval each time the
// provider rejects it as above the active plan. The chain is finite and ends
// at the daily interval, so the loop is bounded.
func (g *Gateway) history(ctx context.Context, ticker string, start, end time.Time, iv models.Interval) ([]models.PricePoint, error) {
	ticker, err := normalizeTicker(ticker)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return []models.PricePoint{}, nil
	}

	for {
		points, err := g.fetchHistory(ctx, ticker, start, end, iv)

		var unsupported *models.IntervalUnsupportedError
		if !errors.As(err, &unsupported) {
			return points, err
		}

		g.caps.MarkUnsupported(iv)
		next := interval.Fallback(iv, g.caps.Supported())
		if next == iv {
			return nil, &models.MarketDataUnavailableError{
				Reason: fmt.Sprintf("provider rejected interval %s with no fallback left", iv),
			}
		}

		g.logger.WithFields(logrus.Fields{
			"ticker": ticker,
			"from":   string(iv),
			"to":     string(next),
		}).Info("Downgrading history interval")
		iv = next
	}
}

func (g *Gateway) fetchHistory(ctx context.Context, ticker string, start, end time.Time, iv models.Interval) ([]models.PricePoint, error) {
	if iv.Intraday() {
		// Intraday bars skip the warm tier entirely: they are never
		// persisted, so a miss goes straight upstream.
		return g.cold.FetchHistory(ctx, ticker, start, end, iv)
	}

	rows, err := g.warm.GetHistory(ctx, ticker, start, end, iv)
	if err != nil {
		g.logger.WithError(err).WithField("ticker", ticker).Warn("Warm tier read failed, treating as miss")
		rows = nil
	}
	if len(rows) > 0 && g.historyCurrent(rows, end) {
		return rows, nil
	}

	points, err := g.cold.FetchHistory(ctx, ticker, start, end, iv)
	if err != nil {
		var unsupported *models.IntervalUnsupportedError
		var notFound *models.TickerNotFoundError
		if len(rows) > 0 && !errors.As(err, &unsupported) && !errors.As(err, &notFound) {
			g.logger.WithFields(logrus.Fields{
				"ticker": ticker,
				"rows":   len(rows),
			}).Info("Provider unavailable, serving stale history from store")
			return staleCopy(rows), nil
		}
		return nil, err
	}

	if err := g.warm.SaveBatch(ctx, points); err != nil {
		g.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to persist fetched history")
	}

	return points, nil
}

// historyCurrent reports whether warm rows already cover the requested span.
// The warm tier fills forward, so the interesting gap is at the tail: stale
// means the last row predates the last session the span should include.
func (g *Gateway) historyCurrent(rows []models.PricePoint, end time.Time) bool {
	horizon := end
	if now := g.now(); now.Before(horizon) {
		horizon = now
	}

	needed := g.policy.LastCompletedTradingDay(horizon)
	// Daily rows are pinned to 00:00 UTC of their session, so their trading
	// day is the UTC date. Converting to the market zone would shift it back
	// a day.
	last := rows[len(rows)-1].TradingDay(time.UTC)
	return last >= needed
}

// writeThrough persists a provider point to both lower tiers. Failures are
// logged and swallowed: the caller still has the fresh point in hand.
func (g *Gateway) writeThrough(ctx context.Context, ticker string, point models.PricePoint) {
	if point.Interval.Persistent() {
		if err := g.warm.Save(ctx, point); err != nil {
			g.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to persist price point")
		}
	}

	key := cache.NewKey(ticker, point.Interval, g.policy.Today())
	g.cacheSet(ctx, key, point)
}

func (g *Gateway) cacheGet(ctx context.Context, key cache.Key) (models.PricePoint, bool) {
	point, found, err := g.hot.Get(ctx, key)
	if err != nil {
		g.logger.WithError(err).WithField("key", key.String()).Warn("Hot tier read failed, treating as miss")
		return models.PricePoint{}, false
	}
	return point, found
}

func (g *Gateway) cacheSet(ctx context.Context, key cache.Key, point models.PricePoint) {
	ttl := g.policy.TTLFor(key.Interval, key.Date)
	if ttl <= 0 {
		return
	}
	if err := g.hot.Set(ctx, key, point, ttl); err != nil {
		g.logger.WithError(err).WithField("key", key.String()).Warn("Hot tier write failed")
	}
}

// currentFromStoreFresh decides whether the latest warm row can stand in for
// a live quote: only when the market is closed and no session has completed
// past the row.
func (g *Gateway) currentFromStoreFresh(point models.PricePoint) bool {
	now := g.now()
	if g.policy.MarketOpen(now) {
		return false
	}
	return point.TradingDay(time.UTC) >= g.policy.LastCompletedTradingDay(now)
}

func normalizeTicker(ticker string) (string, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return "", &models.TickerNotFoundError{Ticker: ticker}
	}
	return ticker, nil
}

func isNotFound(err error) bool {
	var notFound *models.TickerNotFoundError
	return errors.As(err, &notFound)
}

func staleCopy(points []models.PricePoint) []models.PricePoint {
	out := make([]models.PricePoint, len(points))
	for i, point := range points {
		out[i] = point.AsStale()
	}
	return out
}

func closestTo(points []models.PricePoint, ts time.Time, window time.Duration) (models.PricePoint, bool) {
	var best models.PricePoint
	bestDistance := window + 1
	for _, point := range points {
		distance := ts.Sub(point.Timestamp)
		if distance < 0 {
			distance = -distance
		}
		if distance <= window && distance < bestDistance {
			best = point
			bestDistance = distance
		}
	}
	return best, bestDistance <= window
}
