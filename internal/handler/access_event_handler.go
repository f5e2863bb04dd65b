package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/middleware"
	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

type accessEventService interface {
	List(ctx context.Context, filter models.AccessEventFilter) ([]models.AccessEvent, *models.Pagination, error)
	Stats(ctx context.Context, from, to time.Time) (*models.AccessStats, bool, error)
}

// AccessEventHandler exposes the access log.
type AccessEventHandler struct {
	events accessEventService
}

// NewAccessEventHandler constructs the handler.
func NewAccessEventHandler(events accessEventService) *AccessEventHandler {
	return &AccessEventHandler{events: events}
}

// List godoc
// @Summary List access events
// @Tags Access Events
// @Produce json
// @Param subject_id query string false "Subject ID"
// @Param service_id query string false "Service ID"
// @Param status query string false "Verification status"
// @Param method query string false "Verification method"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param sort query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Router /access-events [get]
func (h *AccessEventHandler) List(c *gin.Context) {
	filter := models.AccessEventFilter{
		SubjectID: c.Query("subject_id"),
		ServiceID: c.Query("service_id"),
		Page:      parseQueryInt(c, "page", 1),
		PageSize:  parseQueryInt(c, "limit", 20),
		SortOrder: c.DefaultQuery("sort", "desc"),
	}
	if raw := c.Query("status"); raw != "" {
		status := models.VerificationStatus(raw)
		filter.Status = &status
	}
	if raw := c.Query("method"); raw != "" {
		method := models.VerificationMethod(raw)
		filter.Method = &method
	}
	var err error
	if filter.From, err = parseTimeQuery(c, "from"); err != nil {
		response.Error(c, err)
		return
	}
	if filter.To, err = parseTimeQuery(c, "to"); err != nil {
		response.Error(c, err)
		return
	}

	events, pagination, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, pagination)
}

// Stats godoc
// @Summary Access attempt counts per status and method
// @Tags Access Events
// @Produce json
// @Param from query string false "RFC3339 lower bound, defaults to 24h before to"
// @Param to query string false "RFC3339 upper bound, defaults to now"
// @Success 200 {object} response.Envelope
// @Router /access-events/stats [get]
func (h *AccessEventHandler) Stats(c *gin.Context) {
	from, err := parseTimeQuery(c, "from")
	if err != nil {
		response.Error(c, err)
		return
	}
	to, err := parseTimeQuery(c, "to")
	if err != nil {
		response.Error(c, err)
		return
	}
	var fromAt, toAt time.Time
	if from != nil {
		fromAt = *from
	}
	if to != nil {
		toAt = *to
	}

	stats, cacheHit, err := h.events.Stats(c.Request.Context(), fromAt, toAt)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}
