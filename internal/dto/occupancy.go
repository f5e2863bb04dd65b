package dto

import "github.com/noah-isme/sma-gate-api/internal/models"

// EntryRequest captures POST /occupancy/entry payload.
type EntryRequest struct {
	SubjectID string                    `json:"subject_id" binding:"required"`
	ServiceID string                    `json:"service_id" binding:"required"`
	Method    models.VerificationMethod `json:"method"`
}

// ExitRequest captures POST /occupancy/exit payload: either session_id or subject_id with service_id.
type ExitRequest struct {
	SessionID string `json:"session_id"`
	SubjectID string `json:"subject_id"`
	ServiceID string `json:"service_id"`
}
