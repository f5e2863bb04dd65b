package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type auditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, int, error)
}

// AuditRecorder is the write side of the audit trail used by the other services.
type AuditRecorder interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

// AuditService appends audit records and serves the read API. Appends are best effort: a failed write
// is logged and counted but never returned to the caller of the primary action.
type AuditService struct {
	repo    auditRepository
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuditService constructs an AuditService.
func NewAuditService(repo auditRepository, metrics *MetricsService, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one audit record.
func (s *AuditService) Record(ctx context.Context, entry models.AuditEntry) {
	actorType := entry.Actor.Type
	if actorType == "" {
		actorType = models.ActorTypeSystem
	}
	log := &models.AuditLog{
		ActorType:    actorType,
		ActorID:      entry.Actor.ID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Status:       entry.Status,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		CreatedAt:    s.now(),
	}
	// the primary action may already have been cancelled by the client; the audit append must still be attempted
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.repo.Create(writeCtx, log); err != nil {
		s.metrics.RecordAuditFailure()
		s.logger.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("resource_type", entry.ResourceType),
			zap.String("status", entry.Status),
			zap.Error(err),
		)
	}
}

// List returns paginated audit records.
func (s *AuditService) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, *models.Pagination, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	logs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Transient(err, "failed to list audit logs")
	}
	return logs, paginationFor(filter.Page, filter.PageSize, total), nil
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}
