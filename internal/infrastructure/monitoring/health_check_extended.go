package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck probes the session store with a lookup of a session that
// never exists; a healthy backend answers not found.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.GetByID(ctx, "healthcheck"); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}

// HealthHandler serves liveness, readiness and the metrics endpoint.
type HealthHandler struct {
	checker     *HealthChecker
	metricsPath string
	gatherer    prometheus.Gatherer
}

var _ ports.RouteRegistrar = (*HealthHandler)(nil)

// NewHealthHandler serves metrics from gatherer on metricsPath; an empty path
// disables it and a nil gatherer means the default registry.
func NewHealthHandler(checker *HealthChecker, metricsPath string, gatherer prometheus.Gatherer) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{checker: checker, metricsPath: metricsPath, gatherer: gatherer}
}

func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := h.checker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if h.metricsPath != "" {
		r.GET(h.metricsPath, gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}
