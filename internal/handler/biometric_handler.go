package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-gate-api/internal/dto"
	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/response"
)

type biometricService interface {
	Enroll(ctx context.Context, subjectID string, modality models.Modality, in *models.CaptureInput, meta models.RequestMeta) (*models.BiometricStatus, error)
	Status(ctx context.Context, subjectID string) (*models.BiometricStatus, error)
}

// BiometricHandler exposes template enrollment endpoints.
type BiometricHandler struct {
	biometrics biometricService
}

// NewBiometricHandler constructs the handler.
func NewBiometricHandler(biometrics biometricService) *BiometricHandler {
	return &BiometricHandler{biometrics: biometrics}
}

// Enroll godoc
// @Summary Enroll or replace a biometric template
// @Tags Biometrics
// @Accept json
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param payload body dto.EnrollTemplateRequest true "Capture"
// @Success 201 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /biometrics/{subjectId}/enroll [post]
func (h *BiometricHandler) Enroll(c *gin.Context) {
	var req dto.EnrollTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid enrollment payload"))
		return
	}
	status, err := h.biometrics.Enroll(c.Request.Context(), c.Param("subjectId"), req.Modality, &req.Capture, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, status)
}

// Status godoc
// @Summary Enrolled template slots of a subject
// @Tags Biometrics
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Success 200 {object} response.Envelope
// @Router /biometrics/{subjectId} [get]
func (h *BiometricHandler) Status(c *gin.Context) {
	status, err := h.biometrics.Status(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}
