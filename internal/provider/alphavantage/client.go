// Package alphavantage implements the provider port against the Alpha
// Vantage REST API. The upstream reports most failures inside HTTP 200
// bodies, so error mapping happens on the payload, not the status code.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

const BaseURL = "https://www.alphavantage.co"

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
)

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Currency   string
}

type Client struct {
	client   *resty.Client
	currency string
	logger   *logrus.Logger
}

func NewClient(config Config, logger *logrus.Logger) *Client {
	client := resty.New()

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := config.MaxRetries
	if retries < 0 {
		retries = defaultRetries
	}
	currency := config.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}

	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(retries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.SetQueryParam("apikey", config.APIKey)

	// Retry transport failures and 5xx only. A 4xx or an error body will
	// come back identical on every attempt.
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= http.StatusInternalServerError
	})

	return &Client{
		client:   client,
		currency: currency,
		logger:   logger,
	}
}

// errorEnvelope covers the three failure shapes Alpha Vantage hides inside
// HTTP 200 responses.
type errorEnvelope struct {
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
}

func (c *Client) FetchCurrent(ctx context.Context, ticker string) (models.PricePoint, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"function": "GLOBAL_QUOTE",
			"symbol":   ticker,
		}).
		Get("/query")
	if err != nil {
		c.logger.WithError(err).WithField("ticker", ticker).Error("Failed to fetch quote")
		return models.PricePoint{}, &models.MarketDataUnavailableError{Reason: "provider unreachable", Err: err}
	}

	if apiErr := c.checkResponse(resp, ticker, ""); apiErr != nil {
		return models.PricePoint{}, apiErr
	}

	var quoteResp struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(resp.Body(), &quoteResp); err != nil {
		return models.PricePoint{}, &models.InvalidPriceDataError{Ticker: ticker, Reason: "unparseable quote response"}
	}

	quote := quoteResp.GlobalQuote
	if len(quote) == 0 {
		// Unknown tickers come back as an empty quote object.
		return models.PricePoint{}, &models.TickerNotFoundError{Ticker: ticker}
	}

	price, err := parseQuoteFloat(quote, "05. price", ticker)
	if err != nil {
		return models.PricePoint{}, err
	}

	tradingDay, err := time.Parse("2006-01-02", quote["07. latest trading day"])
	if err != nil {
		return models.PricePoint{}, &models.InvalidPriceDataError{Ticker: ticker, Reason: "unparseable latest trading day"}
	}

	open, _ := strconv.ParseFloat(quote["02. open"], 64)
	high, _ := strconv.ParseFloat(quote["03. high"], 64)
	low, _ := strconv.ParseFloat(quote["04. low"], 64)
	volume, _ := strconv.ParseFloat(quote["06. volume"], 64)

	point := models.PricePoint{
		Ticker:    ticker,
		Price:     price,
		Currency:  c.currency,
		Timestamp: tradingDay.UTC(),
		Source:    models.SourceProvider,
		Interval:  models.Interval1Day,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     price,
		Volume:    volume,
	}
	if err := point.Validate(); err != nil {
		return models.PricePoint{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"ticker": ticker,
		"price":  price,
	}).Debug("Fetched current quote")

	return point, nil
}

func (c *Client) FetchHistory(ctx context.Context, ticker string, start, end time.Time, interval models.Interval) ([]models.PricePoint, error) {
	if end.Before(start) {
		return []models.PricePoint{}, nil
	}

	params := map[string]string{
		"symbol":     ticker,
		"outputsize": outputSize(start, interval),
	}

	var seriesKey string
	if interval.Intraday() {
		params["function"] = "TIME_SERIES_INTRADAY"
		params["interval"] = apiInterval(interval)
		seriesKey = fmt.Sprintf("Time Series (%s)", apiInterval(interval))
	} else {
		params["function"] = "TIME_SERIES_DAILY"
		seriesKey = "Time Series (Daily)"
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/query")
	if err != nil {
		c.logger.WithError(err).WithField("ticker", ticker).Error("Failed to fetch history")
		return nil, &models.MarketDataUnavailableError{Reason: "provider unreachable", Err: err}
	}

	if apiErr := c.checkResponse(resp, ticker, interval); apiErr != nil {
		return nil, apiErr
	}

	var seriesResp map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &seriesResp); err != nil {
		return nil, &models.InvalidPriceDataError{Ticker: ticker, Reason: "unparseable series response"}
	}

	var meta map[string]string
	if raw, ok := seriesResp["Meta Data"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, &models.InvalidPriceDataError{Ticker: ticker, Reason: "unparseable series metadata"}
		}
	}

	raw, ok := seriesResp[seriesKey]
	if !ok {
		return nil, &models.TickerNotFoundError{Ticker: ticker}
	}

	var series map[string]map[string]string
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, &models.InvalidPriceDataError{Ticker: ticker, Reason: "unparseable series payload"}
	}

	loc := metaTimeZone(meta)
	points := make([]models.PricePoint, 0, len(series))

	for stamp, bar := range series {
		ts, err := parseBarTime(stamp, interval, loc)
		if err != nil {
			return nil, &models.InvalidPriceDataError{Ticker: ticker, Reason: fmt.Sprintf("unparseable bar timestamp %q", stamp)}
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}

		point, err := barToPoint(ticker, c.currency, ts, interval, bar)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	c.logger.WithFields(logrus.Fields{
		"ticker":       ticker,
		"interval":     string(interval),
		"points_count": len(points),
	}).Info("Fetched price history")

	return points, nil
}

// checkResponse maps HTTP failures and 200-body error envelopes to the
// domain error taxonomy. interval is empty for quote requests.
func (c *Client) checkResponse(resp *resty.Response, ticker string, interval models.Interval) error {
	if resp.StatusCode() >= http.StatusInternalServerError {
		return &models.MarketDataUnavailableError{
			Reason: fmt.Sprintf("provider returned status %d", resp.StatusCode()),
		}
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return &models.TickerNotFoundError{Ticker: ticker}
	}

	var env errorEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		// Shape errors are caught when the caller decodes the payload.
		return nil
	}

	switch {
	case env.ErrorMessage != "":
		return &models.TickerNotFoundError{Ticker: ticker}
	case env.Note != "":
		c.logger.WithField("note", env.Note).Warn("Provider reported call frequency exceeded")
		return &models.MarketDataUnavailableError{
			Reason:     "provider call frequency exceeded",
			RetryAfter: time.Minute,
		}
	case env.Information != "":
		if interval != "" && strings.Contains(strings.ToLower(env.Information), "premium") {
			c.logger.WithFields(logrus.Fields{
				"ticker":   ticker,
				"interval": string(interval),
			}).Info("Provider reports interval requires a higher tier")
			return &models.IntervalUnsupportedError{Interval: interval}
		}
		return &models.MarketDataUnavailableError{Reason: "provider declined the request"}
	}

	return nil
}

// apiInterval maps the domain interval to Alpha Vantage's parameter values.
func apiInterval(interval models.Interval) string {
	if interval == models.Interval1Hour {
		return "60min"
	}
	return string(interval)
}

// outputSize picks compact (latest 100 bars) unless the window reaches
// further back than compact can cover.
func outputSize(start time.Time, interval models.Interval) string {
	if time.Since(start) > 100*interval.Duration() {
		return "full"
	}
	return "compact"
}

func metaTimeZone(meta map[string]string) *time.Location {
	for key, value := range meta {
		if !strings.Contains(key, "Time Zone") {
			continue
		}
		if loc, err := time.LoadLocation(value); err == nil {
			return loc
		}
	}
	return time.UTC
}

// parseBarTime reads a series timestamp. Intraday stamps carry a clock time
// in the series' reported zone; daily stamps are dates pinned to 00:00 UTC
// so re-fetches upsert onto the same row.
func parseBarTime(stamp string, interval models.Interval, loc *time.Location) (time.Time, error) {
	if interval.Intraday() {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", stamp, loc)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}

	ts, err := time.Parse("2006-01-02", stamp)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func barToPoint(ticker, currency string, ts time.Time, interval models.Interval, bar map[string]string) (models.PricePoint, error) {
	open, err := parseQuoteFloat(bar, "1. open", ticker)
	if err != nil {
		return models.PricePoint{}, err
	}
	high, err := parseQuoteFloat(bar, "2. high", ticker)
	if err != nil {
		return models.PricePoint{}, err
	}
	low, err := parseQuoteFloat(bar, "3. low", ticker)
	if err != nil {
		return models.PricePoint{}, err
	}
	closePrice, err := parseQuoteFloat(bar, "4. close", ticker)
	if err != nil {
		return models.PricePoint{}, err
	}
	volume, _ := strconv.ParseFloat(bar["5. volume"], 64)

	point := models.PricePoint{
		Ticker:    ticker,
		Price:     closePrice,
		Currency:  currency,
		Timestamp: ts,
		Source:    models.SourceProvider,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}
	if err := point.Validate(); err != nil {
		return models.PricePoint{}, err
	}
	return point, nil
}

func parseQuoteFloat(fields map[string]string, key, ticker string) (float64, error) {
	value, err := strconv.ParseFloat(fields[key], 64)
	if err != nil {
		return 0, &models.InvalidPriceDataError{
			Ticker: ticker,
			Reason: fmt.Sprintf("unparseable %s %q", strings.TrimSpace(strings.TrimLeft(key, "0123456789. ")), fields[key]),
		}
	}
	return value, nil
}
