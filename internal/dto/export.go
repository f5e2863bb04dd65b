package dto

import (
	"time"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// ExportRequest captures POST /exports/access-events payload.
type ExportRequest struct {
	Format    models.ExportFormat `json:"format" binding:"required,oneof=csv pdf"`
	SubjectID string              `json:"subject_id"`
	ServiceID string              `json:"service_id"`
	From      *time.Time          `json:"from"`
	To        *time.Time          `json:"to"`
}

// ExportJobResponse is returned after enqueueing an export and when polling it.
type ExportJobResponse struct {
	ID           string              `json:"id"`
	Status       models.ExportStatus `json:"status"`
	Format       models.ExportFormat `json:"format"`
	ResultURL    *string             `json:"result_url,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`
}

// NewExportJobResponse maps the stored job state.
func NewExportJobResponse(job *models.ExportJob) ExportJobResponse {
	return ExportJobResponse{
		ID:           job.ID,
		Status:       job.Status,
		Format:       job.Format,
		ResultURL:    job.ResultURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   job.FinishedAt,
	}
}
