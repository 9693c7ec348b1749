package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimChild/papertrade-marketdata/internal/cache"
	"github.com/TimChild/papertrade-marketdata/internal/capability"
	"github.com/TimChild/papertrade-marketdata/internal/config"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// Friday 2026-08-21, 11:00 New York: market open. Used as the frozen clock
// unless a test says otherwise.
func fridayOpen(t *testing.T) time.Time {
	t.Helper()
	ny := nyLoc(t)
	return time.Date(2026, 8, 21, 11, 0, 0, 0, ny)
}

func nyLoc(t *testing.T) *time.Location {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return ny
}

func dailyBar(ticker string, year int, month time.Month, day int, price float64) models.PricePoint {
	return models.PricePoint{
		Ticker:    ticker,
		Price:     price,
		Currency:  models.DefaultCurrency,
		Timestamp: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		Source:    models.SourceProvider,
		Interval:  models.Interval1Day,
		Open:      price - 1,
		High:      price + 1,
		Low:       price - 2,
		Close:     price,
		Volume:    1000,
	}
}

type fakeStore struct {
	mu sync.Mutex

	latest  map[string]models.PricePoint
	at      map[string]models.PricePoint
	history map[string][]models.PricePoint

	saved        []models.PricePoint
	batches      [][]models.PricePoint
	historyCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		latest:  make(map[string]models.PricePoint),
		at:      make(map[string]models.PricePoint),
		history: make(map[string][]models.PricePoint),
	}
}

func (s *fakeStore) Save(ctx context.Context, point models.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, point)
	return nil
}

func (s *fakeStore) SaveBatch(ctx context.Context, points []models.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, points)
	return nil
}

func (s *fakeStore) GetLatest(ctx context.Context, ticker string) (models.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	point, ok := s.latest[ticker]
	if !ok {
		return models.PricePoint{}, &models.TickerNotFoundError{Ticker: ticker}
	}
	return point.WithSource(models.SourceStore), nil
}

func (s *fakeStore) GetAt(ctx context.Context, ticker string, ts time.Time, window time.Duration) (models.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	point, ok := s.at[ticker]
	if !ok {
		return models.PricePoint{}, &models.TickerNotFoundError{Ticker: ticker}
	}
	return point.WithSource(models.SourceStore), nil
}

func (s *fakeStore) GetHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	rows := make([]models.PricePoint, 0, len(s.history[ticker]))
	for _, row := range s.history[ticker] {
		rows = append(rows, row.WithSource(models.SourceStore))
	}
	return rows, nil
}

type fakeProvider struct {
	mu sync.Mutex

	current    models.PricePoint
	currentErr error

	history    []models.PricePoint
	historyErr error
	// historyFn, when set, overrides history/historyErr per interval.
	historyFn func(iv models.Interval) ([]models.PricePoint, error)

	currentCalls int
	historyCalls int
	lastTicker   string
	lastInterval models.Interval
}

func (p *fakeProvider) FetchCurrent(ctx context.Context, ticker string) (models.PricePoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentCalls++
	p.lastTicker = ticker
	if p.currentErr != nil {
		return models.PricePoint{}, p.currentErr
	}
	return p.current, nil
}

func (p *fakeProvider) FetchHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCalls++
	p.lastTicker = ticker
	p.lastInterval = interval
	if p.historyFn != nil {
		return p.historyFn(interval)
	}
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	return p.history, nil
}

type fixture struct {
	gateway *Gateway
	hot     *cache.MemoryCache
	warm    *fakeStore
	cold    *fakeProvider
	caps    *capability.Tracker
	now     time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	policy := cache.NewTTLPolicy(config.CacheConfig{
		IntradayOpenTTL:   15 * time.Minute,
		IntradayClosedTTL: time.Hour,
		DailyOpenTTL:      time.Hour,
		DailyClosedTTL:    4 * time.Hour,
		HistoricalTTL:     24 * time.Hour,
	}, nyLoc(t)).WithClock(func() time.Time { return now })

	hot := cache.NewMemoryCache()
	warm := newFakeStore()
	cold := &fakeProvider{}
	caps := capability.NewTracker(capability.TierFree, logger)

	g := New(hot, warm, cold, caps, policy, Config{PriceAtMaxDistance: 24 * time.Hour}, logger)
	g.now = func() time.Time { return now }

	return &fixture{gateway: g, hot: hot, warm: warm, cold: cold, caps: caps, now: now}
}

func TestGetCurrentPriceColdPathWritesAllTiers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.current = dailyBar("AAPL", 2026, 8, 21, 231.59)

	point, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, models.SourceProvider, point.Source)
	assert.Equal(t, 231.59, point.Price)
	assert.Equal(t, 1, f.cold.currentCalls)

	// Warm tier received the daily point.
	require.Len(t, f.warm.saved, 1)
	assert.Equal(t, "AAPL", f.warm.saved[0].Ticker)

	// Hot tier holds it under today's key with the market-open daily TTL.
	key := cache.NewKey("AAPL", models.Interval1Day, "2026-08-21")
	cached, found, err := f.hot.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 231.59, cached.Price)

	remaining, err := f.hot.TTL(context.Background(), key)
	require.NoError(t, err)
	assert.Greater(t, remaining, 59*time.Minute)
	assert.LessOrEqual(t, remaining, time.Hour)
}

func TestGetCurrentPriceServedFromCacheSecondTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.current = dailyBar("AAPL", 2026, 8, 21, 231.59)

	_, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	point, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, models.SourceCache, point.Source)
	assert.Equal(t, 1, f.cold.currentCalls, "second call must not reach the provider")
}

func TestGetCurrentPriceStaleFallbackWhenRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.latest["AAPL"] = dailyBar("AAPL", 2026, 8, 20, 230.49)
	f.cold.currentErr = &models.MarketDataUnavailableError{
		Reason:     "rate limit exhausted",
		RetryAfter: 42 * time.Second,
	}

	point, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.True(t, point.Stale)
	assert.Equal(t, models.SourceStore, point.Source)
	assert.Equal(t, 230.49, point.Price)
	assert.Equal(t, 1, f.cold.currentCalls)
}

func TestGetCurrentPriceUnavailableWithoutFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.currentErr = &models.MarketDataUnavailableError{
		Reason:     "rate limit exhausted",
		RetryAfter: 30 * time.Second,
	}

	_, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")

	var unavailable *models.MarketDataUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Positive(t, unavailable.RetryAfter)
}

func TestGetCurrentPriceFreshFromStoreWhenMarketClosed(t *testing.T) {
	t.Parallel()

	// Saturday noon: Friday's close is the current price.
	saturday := time.Date(2026, 8, 22, 12, 0, 0, 0, nyLoc(t))
	f := newFixture(t, saturday)
	f.warm.latest["AAPL"] = dailyBar("AAPL", 2026, 8, 21, 231.59)

	point, err := f.gateway.GetCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, models.SourceStore, point.Source)
	assert.False(t, point.Stale)
	assert.Zero(t, f.cold.currentCalls, "closed market with a final close needs no provider call")

	// And the answer was backfilled into the hot tier.
	cached, found, err := f.hot.Get(context.Background(), cache.NewKey("AAPL", models.Interval1Day, "2026-08-22"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 231.59, cached.Price)
}

func TestGetCurrentPriceUnknownTickerDoesNotFallBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.latest["GONE"] = dailyBar("GONE", 2026, 8, 20, 10)
	f.cold.currentErr = &models.TickerNotFoundError{Ticker: "GONE"}

	_, err := f.gateway.GetCurrentPrice(context.Background(), "GONE")

	var notFound *models.TickerNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestGetCurrentPriceNormalizesTicker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.current = dailyBar("AAPL", 2026, 8, 21, 231.59)

	_, err := f.gateway.GetCurrentPrice(context.Background(), "  aapl ")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", f.cold.lastTicker)

	_, err = f.gateway.GetCurrentPrice(context.Background(), "   ")
	var notFound *models.TickerNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRefreshCurrentPriceBypassesHotTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.current = dailyBar("AAPL", 2026, 8, 21, 231.59)

	// Seed the hot tier with an older quote.
	key := cache.NewKey("AAPL", models.Interval1Day, "2026-08-21")
	require.NoError(t, f.hot.Set(context.Background(), key, dailyBar("AAPL", 2026, 8, 21, 229.00), time.Hour))

	point, err := f.gateway.RefreshCurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 1, f.cold.currentCalls)
	assert.Equal(t, 231.59, point.Price)

	cached, found, err := f.hot.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 231.59, cached.Price, "refresh must overwrite the cached quote")
}

func TestRefreshCurrentPriceSurfacesDenial(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.latest["AAPL"] = dailyBar("AAPL", 2026, 8, 20, 230.49)
	f.cold.currentErr = &models.MarketDataUnavailableError{Reason: "rate limit exhausted", RetryAfter: time.Minute}

	_, err := f.gateway.RefreshCurrentPrice(context.Background(), "AAPL")

	var unavailable *models.MarketDataUnavailableError
	require.ErrorAs(t, err, &unavailable, "a forced refresh must not hide denial behind stale data")
}

func TestGetPriceAtFromWarmThenCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.at["AAPL"] = dailyBar("AAPL", 2026, 8, 20, 230.49)

	ts := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)

	point, err := f.gateway.GetPriceAt(context.Background(), "AAPL", ts)
	require.NoError(t, err)
	assert.Equal(t, models.SourceStore, point.Source)
	assert.Equal(t, 230.49, point.Price)

	again, err := f.gateway.GetPriceAt(context.Background(), "AAPL", ts)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, again.Source)
}

func TestGetPriceAtColdPathPicksClosestAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.history = []models.PricePoint{
		dailyBar("AAPL", 2026, 8, 19, 228.20),
		dailyBar("AAPL", 2026, 8, 20, 230.49),
		dailyBar("AAPL", 2026, 8, 21, 231.59),
	}

	// 04:00 UTC on the 20th: the 20th's bar is 4h away, its neighbours 20h.
	ts := time.Date(2026, 8, 20, 4, 0, 0, 0, time.UTC)

	point, err := f.gateway.GetPriceAt(context.Background(), "AAPL", ts)
	require.NoError(t, err)

	assert.Equal(t, 230.49, point.Price)
	assert.Equal(t, models.SourceProvider, point.Source)
	require.Len(t, f.warm.batches, 1)
	assert.Len(t, f.warm.batches[0], 3, "all fetched bars are persisted, not just the chosen one")
}

func TestGetPriceAtNothingNearTimestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.history = []models.PricePoint{dailyBar("AAPL", 2026, 8, 21, 231.59)}

	ts := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	_, err := f.gateway.GetPriceAt(context.Background(), "AAPL", ts)

	var unavailable *models.MarketDataUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestHistoryResolvedAtDailyWhenPlanOnlyHasDaily(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	for _, iv := range []models.Interval{models.Interval1Min, models.Interval5Min, models.Interval15Min, models.Interval30Min, models.Interval1Hour} {
		f.caps.MarkUnsupported(iv)
	}
	f.cold.history = []models.PricePoint{dailyBar("AAPL", 2026, 8, 21, 231.59)}

	end := f.now
	start := end.Add(-6 * time.Hour)

	points, err := f.gateway.GetPriceHistory(context.Background(), "AAPL", start, end)
	require.NoError(t, err)

	assert.Equal(t, models.Interval1Day, f.cold.lastInterval)
	require.NotEmpty(t, points)
	assert.Equal(t, models.Interval1Day, points[0].Interval,
		"returned points must disclose the interval actually used")
}

func TestHistoryDowngradesOnProviderRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.cold.historyFn = func(iv models.Interval) ([]models.PricePoint, error) {
		if iv.Intraday() && iv != models.Interval1Hour {
			return nil, &models.IntervalUnsupportedError{Interval: iv}
		}
		bar := dailyBar("AAPL", 2026, 8, 21, 231.59)
		bar.Interval = iv
		bar.Timestamp = time.Date(2026, 8, 21, 15, 0, 0, 0, time.UTC)
		return []models.PricePoint{bar}, nil
	}

	end := f.now
	start := end.Add(-6 * time.Hour)

	// A one-day span wants 15min; the plan only serves hourly.
	points, err := f.gateway.GetPriceHistory(context.Background(), "AAPL", start, end)
	require.NoError(t, err)

	assert.Equal(t, 3, f.cold.historyCalls, "15min and 30min rejected, hourly served")
	assert.Equal(t, models.Interval1Hour, points[0].Interval)

	supported := f.caps.Supported()
	assert.False(t, supported.Has(models.Interval15Min))
	assert.False(t, supported.Has(models.Interval30Min))
	assert.True(t, supported.Has(models.Interval1Hour))
}

func TestHistoryServedFromWarmWhenCurrent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	// Friday mid-session: the last completed session is Thursday the 20th.
	f.warm.history["AAPL"] = []models.PricePoint{
		dailyBar("AAPL", 2026, 8, 19, 228.20),
		dailyBar("AAPL", 2026, 8, 20, 230.49),
	}

	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	points, err := f.gateway.GetPriceHistoryWithInterval(context.Background(), "AAPL", start, f.now, models.Interval1Day)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, models.SourceStore, points[0].Source)
	assert.Zero(t, f.cold.historyCalls)
}

func TestHistoryStaleWarmRowsRefetched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.history["AAPL"] = []models.PricePoint{dailyBar("AAPL", 2026, 8, 18, 227.10)}
	f.cold.history = []models.PricePoint{
		dailyBar("AAPL", 2026, 8, 18, 227.10),
		dailyBar("AAPL", 2026, 8, 19, 228.20),
		dailyBar("AAPL", 2026, 8, 20, 230.49),
	}

	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	points, err := f.gateway.GetPriceHistoryWithInterval(context.Background(), "AAPL", start, f.now, models.Interval1Day)
	require.NoError(t, err)

	assert.Equal(t, 1, f.cold.historyCalls, "tail gap forces a refetch")
	assert.Len(t, points, 3)
	require.Len(t, f.warm.batches, 1, "refetched history is persisted")
}

func TestHistoryStaleFallbackWhenProviderDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	f.warm.history["AAPL"] = []models.PricePoint{dailyBar("AAPL", 2026, 8, 18, 227.10)}
	f.cold.historyErr = &models.MarketDataUnavailableError{Reason: "rate limit exhausted", RetryAfter: time.Minute}

	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	points, err := f.gateway.GetPriceHistoryWithInterval(context.Background(), "AAPL", start, f.now, models.Interval1Day)
	require.NoError(t, err)

	require.Len(t, points, 1)
	assert.True(t, points[0].Stale)
	assert.Equal(t, models.SourceStore, points[0].Source)
}

func TestHistoryIntradaySkipsWarmTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))
	bar := dailyBar("AAPL", 2026, 8, 21, 231.59)
	bar.Interval = models.Interval15Min
	bar.Timestamp = time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)
	f.cold.history = []models.PricePoint{bar}

	start := f.now.Add(-4 * time.Hour)
	points, err := f.gateway.GetPriceHistoryWithInterval(context.Background(), "AAPL", start, f.now, models.Interval15Min)
	require.NoError(t, err)

	require.Len(t, points, 1)
	assert.Zero(t, f.warm.historyCalls, "intraday history must not touch the warm tier")
	assert.Empty(t, f.warm.batches, "intraday bars are never persisted")
}

func TestHistoryEmptyRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))

	points, err := f.gateway.GetPriceHistory(context.Background(), "AAPL", f.now, f.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Zero(t, f.cold.historyCalls)
}

func TestHistoryRejectsUnknownInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fridayOpen(t))

	_, err := f.gateway.GetPriceHistoryWithInterval(context.Background(), "AAPL", f.now.Add(-time.Hour), f.now, models.Interval("2min"))
	assert.Error(t, err)
}
