// Package store is the warm tier: daily price points persisted to postgres.
// Reads here cost no provider quota, so the gateway prefers this tier for
// anything older than the cache horizon.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// defaultAtWindow bounds GetAt lookups when the caller passes no window.
const defaultAtWindow = time.Hour

const insertColumns = 10

type PriceStore struct {
	db     *DB
	logger *logrus.Logger
}

func NewPriceStore(db *DB, logger *logrus.Logger) *PriceStore {
	return &PriceStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the price_points table and its index if absent.
// Safe to run on every startup.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_points (
			ticker     TEXT             NOT NULL,
			ts         TIMESTAMPTZ      NOT NULL,
			interval   TEXT             NOT NULL,
			price      DOUBLE PRECISION NOT NULL,
			currency   TEXT             NOT NULL DEFAULT 'USD',
			open       DOUBLE PRECISION NOT NULL DEFAULT 0,
			high       DOUBLE PRECISION NOT NULL DEFAULT 0,
			low        DOUBLE PRECISION NOT NULL DEFAULT 0,
			close      DOUBLE PRECISION NOT NULL DEFAULT 0,
			volume     DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
			PRIMARY KEY (ticker, ts, interval)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_points_ticker_ts ON price_points (ticker, ts DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	s.logger.Info("Price store schema ensured")
	return nil
}

// Save persists a single point. Only persistent intervals are accepted;
// intraday bars belong in the cache, never here.
func (s *PriceStore) Save(ctx context.Context, point models.PricePoint) error {
	return s.SaveBatch(ctx, []models.PricePoint{point})
}

// SaveBatch upserts points in one statement. Re-saving the same trading day
// converges to a single row per (ticker, ts, interval).
func (s *PriceStore) SaveBatch(ctx context.Context, points []models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	for _, point := range points {
		if err := point.Validate(); err != nil {
			return fmt.Errorf("refusing to persist invalid point: %w", err)
		}
		if !point.Interval.Persistent() {
			return fmt.Errorf("interval %s is not persistent, only daily points are stored", point.Interval)
		}
	}

	start := time.Now()

	query := `
        INSERT INTO price_points (ticker, ts, interval, price, currency, open, high, low, close, volume)
        VALUES `

	values := make([]string, 0, len(points))
	args := make([]interface{}, 0, len(points)*insertColumns)

	for i, point := range points {
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			i*insertColumns+1, i*insertColumns+2, i*insertColumns+3, i*insertColumns+4, i*insertColumns+5,
			i*insertColumns+6, i*insertColumns+7, i*insertColumns+8, i*insertColumns+9, i*insertColumns+10))

		args = append(args, point.Ticker, point.Timestamp.UTC(), string(point.Interval), point.Price,
			point.Currency, point.Open, point.High, point.Low, point.Close, point.Volume)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (ticker, ts, interval) DO UPDATE SET
        price = EXCLUDED.price, currency = EXCLUDED.currency,
        open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
        close = EXCLUDED.close, volume = EXCLUDED.volume, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.WithError(err).Error("Failed to upsert price points")
		return fmt.Errorf("failed to upsert price points: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"records_count": len(points),
		"duration_ms":   time.Since(start).Milliseconds(),
	}).Debug("Upserted price points")

	return nil
}

// GetLatest returns the most recent stored point for the ticker.
func (s *PriceStore) GetLatest(ctx context.Context, ticker string) (models.PricePoint, error) {
	query := `
        SELECT ticker, ts, interval, price, currency, open, high, low, close, volume
        FROM price_points
        WHERE ticker = $1
        ORDER BY ts DESC
        LIMIT 1
    `

	var point models.PricePoint
	err := s.db.QueryRowContext(ctx, query, ticker).Scan(
		&point.Ticker, &point.Timestamp, &point.Interval, &point.Price, &point.Currency,
		&point.Open, &point.High, &point.Low, &point.Close, &point.Volume,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return models.PricePoint{}, &models.TickerNotFoundError{Ticker: ticker}
		}
		return models.PricePoint{}, fmt.Errorf("failed to get latest price: %w", err)
	}

	point.Timestamp = point.Timestamp.UTC()
	point.Source = models.SourceStore
	return point, nil
}

// GetAt returns the stored point closest to ts within ±window.
// A window of zero or less falls back to one hour.
func (s *PriceStore) GetAt(ctx context.Context, ticker string, ts time.Time, window time.Duration) (models.PricePoint, error) {
	if window <= 0 {
		window = defaultAtWindow
	}

	query := `
        SELECT ticker, ts, interval, price, currency, open, high, low, close, volume
        FROM price_points
        WHERE ticker = $1 AND ts >= $2 AND ts <= $3
        ORDER BY ABS(EXTRACT(EPOCH FROM (ts - $4::timestamptz))) ASC, ts DESC
        LIMIT 1
    `

	var point models.PricePoint
	err := s.db.QueryRowContext(ctx, query, ticker, ts.Add(-window).UTC(), ts.Add(window).UTC(), ts.UTC()).Scan(
		&point.Ticker, &point.Timestamp, &point.Interval, &point.Price, &point.Currency,
		&point.Open, &point.High, &point.Low, &point.Close, &point.Volume,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return models.PricePoint{}, &models.TickerNotFoundError{Ticker: ticker}
		}
		return models.PricePoint{}, fmt.Errorf("failed to get price at %s: %w", ts.Format(time.RFC3339), err)
	}

	point.Timestamp = point.Timestamp.UTC()
	point.Source = models.SourceStore
	return point, nil
}

// GetHistory returns stored points for the ticker in [start, end], oldest
// first. A ticker with no rows in range yields an empty slice, not an error.
func (s *PriceStore) GetHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	query := `
        SELECT ticker, ts, interval, price, currency, open, high, low, close, volume
        FROM price_points
        WHERE ticker = $1 AND interval = $2 AND ts >= $3 AND ts <= $4
        ORDER BY ts ASC
    `

	rows, err := s.db.QueryContext(ctx, query, ticker, string(interval), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	defer rows.Close()

	points := make([]models.PricePoint, 0)
	for rows.Next() {
		var point models.PricePoint
		if err := rows.Scan(
			&point.Ticker, &point.Timestamp, &point.Interval, &point.Price, &point.Currency,
			&point.Open, &point.High, &point.Low, &point.Close, &point.Volume,
		); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		point.Timestamp = point.Timestamp.UTC()
		point.Source = models.SourceStore
		points = append(points, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read price history: %w", err)
	}

	return points, nil
}
