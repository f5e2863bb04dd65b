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

type verificationService interface {
	Verify(ctx context.Context, req service.VerifyRequest, meta models.RequestMeta) (*service.VerifyResult, error)
}

// VerificationHandler exposes the verification endpoint used by gate devices.
type VerificationHandler struct {
	verifier verificationService
}

// NewVerificationHandler constructs the handler.
func NewVerificationHandler(verifier verificationService) *VerificationHandler {
	return &VerificationHandler{verifier: verifier}
}

// Verify godoc
// @Summary Verify a subject at a gate
// @Description Resolves the subject from a QR code, external id or subject id, optionally matches a live
// @Description capture, and optionally records an occupancy entry or exit. Business outcomes are returned
// @Description with status 200 and a verdict status; infrastructure failures return an error envelope.
// @Tags Verification
// @Accept json
// @Produce json
// @Param X-Device-ID header string false "Gate device identifier"
// @Param payload body dto.VerifyRequest true "Verification attempt"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /verify [post]
func (h *VerificationHandler) Verify(c *gin.Context) {
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verification payload"))
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = c.GetHeader("X-Device-ID")
	}

	result, err := h.verifier.Verify(c.Request.Context(), service.VerifyRequest{
		QRCode:          req.QRCode,
		ExternalID:      req.ExternalID,
		SubjectID:       req.SubjectID,
		Capture:         req.Capture,
		Modality:        req.Modality,
		BypassBiometric: req.BypassBiometric,
		Strict:          req.Strict,
		ServiceID:       req.ServiceID,
		Action:          req.Action,
		Location:        req.Location,
		DeviceID:        deviceID,
	}, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
