package dto

import (
	"time"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// IssueCredentialRequest captures POST /credentials payload.
type IssueCredentialRequest struct {
	SubjectID  string `json:"subject_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"omitempty,min=30,max=86400"`
}

// TTL converts the requested lifetime; zero means the configured default.
func (r IssueCredentialRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// RefreshCredentialRequest captures POST /credentials/refresh payload.
type RefreshCredentialRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

// CredentialResponse exposes a credential together with the URL of its QR image.
type CredentialResponse struct {
	models.Credential
	QRImageURL string `json:"qr_image_url"`
}

// CredentialValidationResponse is returned by GET /credentials/validate/:code.
type CredentialValidationResponse struct {
	Valid      bool       `json:"valid"`
	SubjectID  string     `json:"subject_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
