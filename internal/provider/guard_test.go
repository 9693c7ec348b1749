package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimChild/papertrade-marketdata/internal/ratelimit"
	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

type stubLimiter struct {
	allowed    bool
	allowErr   error
	wait       time.Duration
	allowCalls int
}

func (l *stubLimiter) Allow(ctx context.Context) (bool, error) {
	l.allowCalls++
	return l.allowed, l.allowErr
}

func (l *stubLimiter) WaitTime(ctx context.Context) (time.Duration, error) {
	return l.wait, nil
}

func (l *stubLimiter) Status(ctx context.Context) (ratelimit.Status, error) {
	return ratelimit.Status{}, nil
}

type stubProvider struct {
	calls int
	point models.PricePoint
}

func (p *stubProvider) FetchCurrent(ctx context.Context, ticker string) (models.PricePoint, error) {
	p.calls++
	return p.point, nil
}

func (p *stubProvider) FetchHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	p.calls++
	return []models.PricePoint{p.point}, nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGuardedDenialNeverReachesProvider(t *testing.T) {
	t.Parallel()

	upstream := &stubProvider{}
	limiter := &stubLimiter{allowed: false, wait: 42 * time.Second}
	guarded := NewGuarded(upstream, limiter, newTestLogger())

	_, err := guarded.FetchCurrent(context.Background(), "AAPL")
	require.Error(t, err)

	var unavailable *models.MarketDataUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 42*time.Second, unavailable.RetryAfter)
	assert.Zero(t, upstream.calls)
}

func TestGuardedFailsClosedOnLimiterError(t *testing.T) {
	t.Parallel()

	upstream := &stubProvider{}
	limiter := &stubLimiter{allowErr: errors.New("connection refused")}
	guarded := NewGuarded(upstream, limiter, newTestLogger())

	_, err := guarded.FetchHistory(context.Background(), "AAPL",
		time.Now().Add(-24*time.Hour), time.Now(), models.Interval1Day)
	require.Error(t, err)

	var unavailable *models.MarketDataUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Zero(t, upstream.calls)
}

func TestGuardedConsumesOneTokenPerCall(t *testing.T) {
	t.Parallel()

	upstream := &stubProvider{point: models.PricePoint{Ticker: "AAPL", Price: 231.59}}
	limiter := &stubLimiter{allowed: true}
	guarded := NewGuarded(upstream, limiter, newTestLogger())

	point, err := guarded.FetchCurrent(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 231.59, point.Price)

	_, err = guarded.FetchHistory(context.Background(), "AAPL",
		time.Now().Add(-24*time.Hour), time.Now(), models.Interval1Day)
	require.NoError(t, err)

	assert.Equal(t, 2, limiter.allowCalls)
	assert.Equal(t, 2, upstream.calls)
}
