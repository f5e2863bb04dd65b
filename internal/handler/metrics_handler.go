package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/service"
	"github.com/noah-isme/sma-gate-api/pkg/jobs"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

// ReadinessCheck probes one backing dependency.
type ReadinessCheck func(ctx context.Context) error

type queueStats interface {
	Stats() jobs.Stats
}

type metricsSummary struct {
	service.MetricsSnapshot
	Queues map[string]jobs.Stats `json:"queues,omitempty"`
}

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	checks  map[string]ReadinessCheck
	queues  map[string]queueStats
}

// NewMetricsHandler constructs a metrics handler. checks are evaluated by Ready.
func NewMetricsHandler(metrics *service.MetricsService, checks map[string]ReadinessCheck) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, checks: checks, queues: map[string]queueStats{}}
}

// WatchQueue adds a background queue's counters to Summary. Call before serving.
func (h *MetricsHandler) WatchQueue(name string, q queueStats) {
	if q == nil {
		return
	}
	h.queues[name] = q
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Summary godoc
// @Summary Aggregated counters since process start
// @Tags Observability
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /metrics/summary [get]
func (h *MetricsHandler) Summary(c *gin.Context) {
	if h.metrics == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "metrics disabled"))
		return
	}
	summary := metricsSummary{MetricsSnapshot: h.metrics.Snapshot()}
	if len(h.queues) > 0 {
		summary.Queues = make(map[string]jobs.Stats, len(h.queues))
		for name, q := range h.queues {
			summary.Queues[name] = q.Stats()
		}
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Health responds with a generic OK payload for liveness probes.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs every readiness check and reports 503 when any dependency is down.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}
