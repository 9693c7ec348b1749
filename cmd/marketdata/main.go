package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/internal/cache"
	"github.com/TimChild/papertrade-marketdata/internal/capability"
	"github.com/TimChild/papertrade-marketdata/internal/config"
	"github.com/TimChild/papertrade-marketdata/internal/gateway"
	"github.com/TimChild/papertrade-marketdata/internal/health"
	"github.com/TimChild/papertrade-marketdata/internal/logging"
	"github.com/TimChild/papertrade-marketdata/internal/provider"
	"github.com/TimChild/papertrade-marketdata/internal/provider/alphavantage"
	"github.com/TimChild/papertrade-marketdata/internal/ratelimit"
	"github.com/TimChild/papertrade-marketdata/internal/refresher"
	"github.com/TimChild/papertrade-marketdata/internal/store"
)

func main() {
	// Initialize logger
	logger := logging.NewLogger("marketdata")

	// Load .env before reading configuration, local dev convenience
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env file")
	}

	// Load configuration
	cfg := config.Load()
	logger.WithFields(logrus.Fields{
		"market_timezone": cfg.MarketTimezone,
		"provider_tier":   cfg.Provider.Tier,
		"watchlist_size":  len(cfg.Refresh.Watchlist),
		"refresh_cron":    cfg.Refresh.Schedule,
	}).Info("Configuration loaded")

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		logger.WithError(err).Fatal("Invalid market timezone")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	db, err := store.Connect(ctx, cfg.DatabaseURI, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	priceStore := store.NewPriceStore(db, logger)
	if err := priceStore.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}

	// Redis backs the hot cache and the shared rate-limit counters. The
	// service still starts when it is down: the cache degrades to misses and
	// the limiter fails closed until redis returns.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable at startup, hot tier and rate limiter degraded")
	}
	pingCancel()

	// Initialize tiers and the provider chain
	limiter := ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay, cfg.RateLimit.KeyPrefix, logger)
	policy := cache.NewTTLPolicy(cfg.Cache, loc)
	hotCache := cache.NewRedisCache(rdb, cfg.Cache.KeyPrefix, logger)

	avClient := alphavantage.NewClient(alphavantage.Config{
		APIKey:     cfg.Provider.APIKey,
		BaseURL:    cfg.Provider.BaseURL,
		Timeout:    cfg.Provider.Timeout,
		MaxRetries: cfg.Provider.MaxRetries,
		Currency:   cfg.Provider.Currency,
	}, logger)
	guarded := provider.NewGuarded(avClient, limiter, logger)
	caps := capability.NewTracker(capability.ParseTier(cfg.Provider.Tier), logger)

	gw := gateway.New(hotCache, priceStore, guarded, caps, policy, gateway.Config{
		PriceAtMaxDistance: cfg.PriceAtMaxDistance,
	}, logger)

	// Initialize the watchlist refresher
	batchRefresher := refresher.NewRefresher(gw, cfg.Refresh, loc, logger)
	if err := batchRefresher.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start refresher")
	}

	// Initialize health checker
	healthChecker := health.NewChecker(db, rdb, limiter, logger)
	healthServer := healthChecker.StartServer(cfg.HealthPort)

	logger.Info("Market data service started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down market data service...")

	batchRefresher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown health server gracefully")
	}

	cancel()

	logger.Info("Market data service stopped")
}
