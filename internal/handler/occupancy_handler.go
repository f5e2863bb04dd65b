package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/dto"
	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/service"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

type occupancyService interface {
	Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, meta models.RequestMeta) (*models.EntryResult, error)
	Exit(ctx context.Context, req service.ExitRequest, meta models.RequestMeta) (*models.ExitResult, error)
	Current(ctx context.Context, serviceID string) (*models.OccupancySnapshot, error)
	Reconcile(ctx context.Context, serviceID string, meta models.RequestMeta) (*models.ReconcileResult, error)
}

// OccupancyHandler exposes manual entry/exit and occupancy read endpoints.
type OccupancyHandler struct {
	occupancy occupancyService
}

// NewOccupancyHandler constructs the handler.
func NewOccupancyHandler(occupancy occupancyService) *OccupancyHandler {
	return &OccupancyHandler{occupancy: occupancy}
}

// Enter godoc
// @Summary Record an entry
// @Tags Occupancy
// @Accept json
// @Produce json
// @Param payload body dto.EntryRequest true "Entry"
// @Success 201 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /occupancy/entry [post]
func (h *OccupancyHandler) Enter(c *gin.Context) {
	var req dto.EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid entry payload"))
		return
	}
	result, err := h.occupancy.Enter(c.Request.Context(), req.SubjectID, req.ServiceID, req.Method, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Exit godoc
// @Summary Record an exit
// @Tags Occupancy
// @Accept json
// @Produce json
// @Param payload body dto.ExitRequest true "Exit"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /occupancy/exit [post]
func (h *OccupancyHandler) Exit(c *gin.Context) {
	var req dto.ExitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid exit payload"))
		return
	}
	result, err := h.occupancy.Exit(c.Request.Context(), service.ExitRequest{
		SessionID: req.SessionID,
		SubjectID: req.SubjectID,
		ServiceID: req.ServiceID,
	}, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Current godoc
// @Summary Current occupancy of a service
// @Tags Occupancy
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} response.Envelope
// @Router /services/{id}/occupancy [get]
func (h *OccupancyHandler) Current(c *gin.Context) {
	snapshot, err := h.occupancy.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// Reconcile godoc
// @Summary Recompute a service's occupancy counter from open sessions
// @Tags Occupancy
// @Produce json
// @Param id path string true "Service ID"
// @Success 200 {object} response.Envelope
// @Router /services/{id}/occupancy/reconcile [post]
func (h *OccupancyHandler) Reconcile(c *gin.Context) {
	result, err := h.occupancy.Reconcile(c.Request.Context(), c.Param("id"), requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
