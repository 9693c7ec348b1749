package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/internal/ratelimit"
	"github.com/TimChild/papertrade-marketdata/internal/store"
)

type Checker struct {
	db      *store.DB
	rdb     *redis.Client
	limiter ratelimit.Limiter
	logger  *logrus.Logger
}

type Status struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	// RateLimit reports the shared provider quota when the limiter store is
	// reachable. Ops dashboards read it to see how much headroom is left.
	RateLimit *ratelimit.Status `json:"rate_limit,omitempty"`
}

func NewChecker(db *store.DB, rdb *redis.Client, limiter ratelimit.Limiter, logger *logrus.Logger) *Checker {
	return &Checker{
		db:      db,
		rdb:     rdb,
		limiter: limiter,
		logger:  logger,
	}
}

func (h *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status := h.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status.Status == "healthy" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(status)
	}
}

func (h *Checker) Check(ctx context.Context) Status {
	services := make(map[string]string)
	overallStatus := "healthy"

	if err := h.db.HealthCheck(); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
		h.logger.WithError(err).Error("Database health check failed")
	} else {
		services["database"] = "healthy"
	}

	var rateLimit *ratelimit.Status
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		// Redis down degrades the tiers but the service keeps answering, so
		// it does not flip overall health.
		services["redis"] = "unhealthy: " + err.Error()
		h.logger.WithError(err).Error("Redis health check failed")
	} else {
		services["redis"] = "healthy"
		if status, err := h.limiter.Status(ctx); err == nil {
			rateLimit = &status
		}
	}

	return Status{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  services,
		RateLimit: rateLimit,
	}
}

func (h *Checker) StartServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Handler())
	mux.HandleFunc("/ready", h.Handler()) // Kubernetes readiness probe

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		h.logger.WithField("port", port).Info("Starting health check server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.WithError(err).Error("Health check server failed")
		}
	}()

	return server
}
