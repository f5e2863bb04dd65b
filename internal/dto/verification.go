package dto

import "github.com/noah-isme/sma-gate-api/internal/models"

// VerifyRequest captures POST /verify payload. At least one of qr_code, external_id or subject_id is
// required; capture is optional and proves the claim biometrically.
type VerifyRequest struct {
	QRCode          string                 `json:"qr_code"`
	ExternalID      string                 `json:"external_id"`
	SubjectID       string                 `json:"subject_id"`
	Capture         *models.CaptureInput   `json:"capture,omitempty"`
	Modality        models.Modality        `json:"modality,omitempty"`
	BypassBiometric bool                   `json:"bypass_biometric"`
	Strict          bool                   `json:"strict"`
	ServiceID       string                 `json:"service_id"`
	Action          models.OccupancyAction `json:"action" binding:"omitempty,oneof=entry exit"`
	Location        string                 `json:"location" binding:"max=255"`
	DeviceID        string                 `json:"device_id" binding:"max=64"`
}
