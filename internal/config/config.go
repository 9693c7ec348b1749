package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is assembled once at startup and handed to each component's
// constructor. Components never read the environment themselves.
type Config struct {
	DatabaseURI string
	Redis       RedisConfig

	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Refresh   RefreshConfig

	// MarketTimezone drives market-hours TTL decisions and the refresh
	// schedule. Trading-day boundaries follow this zone, not UTC.
	MarketTimezone string

	// PriceAtMaxDistance bounds how far GetPriceAt may drift from the
	// requested timestamp when resolving against daily rows.
	PriceAtMaxDistance time.Duration

	HealthPort string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Currency   string
	// Tier selects the capability defaults: "free" or "premium".
	Tier string
}

type RateLimitConfig struct {
	PerMinute int
	PerDay    int
	// KeyPrefix namespaces the shared counters so several environments can
	// share one redis.
	KeyPrefix string
}

type CacheConfig struct {
	IntradayOpenTTL   time.Duration
	IntradayClosedTTL time.Duration
	DailyOpenTTL      time.Duration
	DailyClosedTTL    time.Duration
	HistoricalTTL     time.Duration
	KeyPrefix         string
}

type RefreshConfig struct {
	// Watchlist is the set of tickers the batch driver keeps warm.
	Watchlist []string
	// Schedule is a six-field cron spec evaluated in MarketTimezone.
	Schedule string
	// TickerDelay is the pause between consecutive tickers in one run. The
	// sequential walk plus this delay keeps a full run under the minute
	// quota instead of leaning on the limiter to absorb a burst.
	TickerDelay time.Duration
	// WarmHistory also refreshes one month of daily history per ticker.
	WarmHistory bool
}

// Load reads configuration from the environment, applying free-tier
// defaults. Call godotenv.Load before this in main.
func Load() *Config {
	return &Config{
		DatabaseURI: getEnv("DB_URI", "postgres://localhost:5432/papertrade?sslmode=disable"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			APIKey:     getEnv("ALPHAVANTAGE_API_KEY", ""),
			BaseURL:    getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
			Timeout:    getEnvDuration("PROVIDER_TIMEOUT_SECONDS", 5*time.Second),
			MaxRetries: getEnvInt("PROVIDER_MAX_RETRIES", 3),
			Currency:   getEnv("PRICE_CURRENCY", "USD"),
			Tier:       getEnv("PROVIDER_TIER", "free"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 5),
			PerDay:    getEnvInt("RATE_LIMIT_PER_DAY", 500),
			KeyPrefix: getEnv("RATE_LIMIT_KEY_PREFIX", "marketdata"),
		},
		Cache: CacheConfig{
			IntradayOpenTTL:   getEnvDuration("CACHE_INTRADAY_OPEN_TTL_SECONDS", 15*time.Minute),
			IntradayClosedTTL: getEnvDuration("CACHE_INTRADAY_CLOSED_TTL_SECONDS", time.Hour),
			DailyOpenTTL:      getEnvDuration("CACHE_DAILY_OPEN_TTL_SECONDS", time.Hour),
			DailyClosedTTL:    getEnvDuration("CACHE_DAILY_CLOSED_TTL_SECONDS", 4*time.Hour),
			HistoricalTTL:     getEnvDuration("CACHE_HISTORICAL_TTL_SECONDS", 24*time.Hour),
			KeyPrefix:         getEnv("CACHE_KEY_PREFIX", "price"),
		},
		Refresh: RefreshConfig{
			Watchlist:   splitList(getEnv("WATCHLIST", "")),
			Schedule:    getEnv("REFRESH_CRON", "0 */30 9-16 * * MON-FRI"),
			TickerDelay: getEnvDuration("REFRESH_DELAY_SECONDS", 13*time.Second),
			WarmHistory: getEnvBool("REFRESH_WARM_HISTORY", false),
		},
		MarketTimezone:     getEnv("MARKET_TIMEZONE", "America/New_York"),
		PriceAtMaxDistance: getEnvDuration("PRICE_AT_MAX_DISTANCE_SECONDS", 24*time.Hour),
		HealthPort:         getEnv("HEALTH_PORT", "8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}
