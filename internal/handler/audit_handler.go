package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

type auditLogService interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error)
}

// AuditHandler exposes the audit trail to administrators.
type AuditHandler struct {
	audit auditLogService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(audit auditLogService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List godoc
// @Summary List audit records
// @Tags Audit
// @Produce json
// @Param actor_id query string false "Actor ID"
// @Param action query string false "Action"
// @Param resource_type query string false "Resource type"
// @Param resource_id query string false "Resource ID"
// @Param status query string false "SUCCESS, FAILED, DENIED or ERROR"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /audit-logs [get]
func (h *AuditHandler) List(c *gin.Context) {
	filter := models.AuditFilter{
		ActorID:      c.Query("actor_id"),
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		Status:       c.Query("status"),
		Page:         parseQueryInt(c, "page", 1),
		PageSize:     parseQueryInt(c, "limit", 20),
		SortOrder:    c.DefaultQuery("sort", "desc"),
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

	logs, pagination, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, pagination)
}
