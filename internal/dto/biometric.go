package dto

import "github.com/noah-isme/sma-gate-api/internal/models"

// EnrollTemplateRequest captures POST /biometrics/:subjectId/enroll payload.
type EnrollTemplateRequest struct {
	Modality models.Modality     `json:"modality" binding:"required"`
	Capture  models.CaptureInput `json:"capture"`
}
