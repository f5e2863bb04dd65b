package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/repository"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type occupancyRepository interface {
	FindService(ctx context.Context, id string) (*models.Service, error)
	ListServiceIDs(ctx context.Context) ([]string, error)
	CountOpenSessions(ctx context.Context, serviceID string) (int, error)
	Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, at time.Time) (*models.EntryResult, error)
	Exit(ctx context.Context, target repository.ExitTarget, at time.Time) (*models.ExitResult, error)
	Reconcile(ctx context.Context, serviceID string, at time.Time) (*models.ReconcileResult, error)
}

// ExitRequest identifies the session to close, either by id or by subject and service.
type ExitRequest struct {
	SessionID string
	SubjectID string
	ServiceID string
}

// OccupancyService runs the per (subject, service) entry/exit state machine.
type OccupancyService struct {
	repo     occupancyRepository
	subjects subjectLookup
	audit    AuditRecorder
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// NewOccupancyService constructs an OccupancyService.
func NewOccupancyService(repo occupancyRepository, subjects subjectLookup, audit AuditRecorder, metrics *MetricsService, logger *zap.Logger) *OccupancyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OccupancyService{
		repo:     repo,
		subjects: subjects,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enter opens a session. Unknown subjects are NotFound. Ineligible subjects, inactive services, full
// services and duplicate single-entry sessions are rejected with Forbidden-class errors. Every attempt
// is audited.
func (s *OccupancyService) Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, meta models.RequestMeta) (*models.EntryResult, error) {
	subjectID, serviceID = strings.TrimSpace(subjectID), strings.TrimSpace(serviceID)
	if subjectID == "" || serviceID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject_id and service_id are required")
	}
	if method == "" {
		method = models.MethodDirectID
	}

	var result *models.EntryResult
	err := s.admissible(ctx, subjectID)
	if err == nil {
		start := time.Now()
		result, err = s.repo.Enter(ctx, subjectID, serviceID, method, s.now())
		s.metrics.ObserveStoreOperation("occupancy_enter", time.Since(start))
	}
	if err != nil {
		appErr := mapEntryError(err)
		s.metrics.RecordOccupancyTransition(models.OccupancyActionEntry, appErr.Code)
		status := models.AuditStatusDenied
		if appErr.Status >= 500 {
			status = models.AuditStatusError
		}
		s.audit.Record(ctx, meta.Entry(models.AuditActionOccupancyEntry, models.ResourceService, &serviceID, status, models.AuditDetails{
			Kind:      models.DetailOccupancy,
			Occupancy: &models.OccupancyDetail{ServiceID: serviceID, Reason: appErr.Code},
			Extra:     map[string]interface{}{"subject_id": subjectID},
		}))
		return nil, appErr
	}

	s.metrics.RecordOccupancyTransition(models.OccupancyActionEntry, "ok")
	s.audit.Record(ctx, meta.Entry(models.AuditActionOccupancyEntry, models.ResourceSession, &result.Session.ID, models.AuditStatusSuccess, models.AuditDetails{
		Kind: models.DetailOccupancy,
		Occupancy: &models.OccupancyDetail{
			ServiceID:        serviceID,
			SessionID:        result.Session.ID,
			CurrentOccupancy: result.CurrentOccupancy,
		},
		Extra: map[string]interface{}{"subject_id": subjectID, "method": string(method)},
	}))
	return result, nil
}

// admissible rejects subjects that do not exist or may not enter any service.
func (s *OccupancyService) admissible(ctx context.Context, subjectID string) error {
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrSubjectNotFound
		}
		return appErrors.Transient(err, "failed to load subject")
	}
	if !subject.Eligible() {
		return appErrors.ErrSubjectInactive
	}
	return nil
}

func mapEntryError(err error) *appErrors.Error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.ErrServiceNotFound
	case errors.Is(err, repository.ErrUnknownSubject):
		return appErrors.ErrSubjectNotFound
	case errors.Is(err, repository.ErrServiceInactive):
		return appErrors.ErrServiceInactive
	case errors.Is(err, repository.ErrServiceFull):
		return appErrors.ErrCapacityExceeded
	case errors.Is(err, repository.ErrAlreadyInside):
		return appErrors.ErrDuplicateEntry
	default:
		return appErrors.Transient(err, "failed to record entry")
	}
}

// Exit closes the open session and returns its duration. A counter that was already zero is reported as drift.
func (s *OccupancyService) Exit(ctx context.Context, req ExitRequest, meta models.RequestMeta) (*models.ExitResult, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.SessionID == "" && (req.SubjectID == "" || req.ServiceID == "") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "session_id or subject_id and service_id are required")
	}

	start := time.Now()
	result, err := s.repo.Exit(ctx, repository.ExitTarget{SessionID: req.SessionID, SubjectID: req.SubjectID, ServiceID: req.ServiceID}, s.now())
	s.metrics.ObserveStoreOperation("occupancy_exit", time.Since(start))
	if err != nil {
		var appErr *appErrors.Error
		if errors.Is(err, sql.ErrNoRows) {
			appErr = appErrors.ErrSessionNotFound
		} else {
			appErr = appErrors.Transient(err, "failed to record exit")
		}
		s.metrics.RecordOccupancyTransition(models.OccupancyActionExit, appErr.Code)
		status := models.AuditStatusFailed
		if appErr.Status >= 500 {
			status = models.AuditStatusError
		}
		s.audit.Record(ctx, meta.Entry(models.AuditActionOccupancyExit, models.ResourceService, strPtr(req.ServiceID), status, models.AuditDetails{
			Kind:      models.DetailOccupancy,
			Occupancy: &models.OccupancyDetail{ServiceID: req.ServiceID, SessionID: req.SessionID, Reason: appErr.Code},
			Extra:     map[string]interface{}{"subject_id": req.SubjectID},
		}))
		return nil, appErr
	}

	if result.CounterDrift {
		s.metrics.RecordOccupancyDrift()
		s.logger.Warn("occupancy counter drift detected on exit",
			zap.String("service_id", result.Session.ServiceID),
			zap.String("session_id", result.Session.ID),
		)
	}
	s.metrics.RecordOccupancyTransition(models.OccupancyActionExit, "ok")
	s.audit.Record(ctx, meta.Entry(models.AuditActionOccupancyExit, models.ResourceSession, &result.Session.ID, models.AuditStatusSuccess, models.AuditDetails{
		Kind: models.DetailOccupancy,
		Occupancy: &models.OccupancyDetail{
			ServiceID:        result.Session.ServiceID,
			SessionID:        result.Session.ID,
			CurrentOccupancy: result.CurrentOccupancy,
			DurationSeconds:  result.DurationSeconds,
			CounterDrift:     result.CounterDrift,
		},
		Extra: map[string]interface{}{"subject_id": result.Session.SubjectID},
	}))
	return result, nil
}

// Reconcile recomputes the occupancy counter of one service from its open sessions.
func (s *OccupancyService) Reconcile(ctx context.Context, serviceID string, meta models.RequestMeta) (*models.ReconcileResult, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "service id is required")
	}
	start := time.Now()
	result, err := s.repo.Reconcile(ctx, serviceID, s.now())
	s.metrics.ObserveStoreOperation("occupancy_reconcile", time.Since(start))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrServiceNotFound
		}
		return nil, appErrors.Transient(err, "failed to reconcile occupancy")
	}
	if result.Drift != 0 {
		s.metrics.RecordOccupancyDrift()
		s.logger.Warn("occupancy counter repaired",
			zap.String("service_id", serviceID),
			zap.Int("previous", result.Previous),
			zap.Int("actual", result.Actual),
		)
	}
	s.audit.Record(ctx, meta.Entry(models.AuditActionOccupancyReconcile, models.ResourceService, &serviceID, models.AuditStatusSuccess, models.AuditDetails{
		Kind:      models.DetailReconcile,
		Reconcile: result,
	}))
	return result, nil
}

// ReconcileAll reconciles every service and returns those whose counter drifted.
func (s *OccupancyService) ReconcileAll(ctx context.Context) ([]models.ReconcileResult, error) {
	ids, err := s.repo.ListServiceIDs(ctx)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list services")
	}
	var drifted []models.ReconcileResult
	var firstErr error
	for _, id := range ids {
		res, err := s.Reconcile(ctx, id, models.SystemRequest())
		if err != nil {
			s.logger.Warn("reconcile service failed", zap.String("service_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Drift != 0 {
			drifted = append(drifted, *res)
		}
	}
	return drifted, firstErr
}

// Current returns the service with its counter and the live open-session count.
func (s *OccupancyService) Current(ctx context.Context, serviceID string) (*models.OccupancySnapshot, error) {
	svc, err := s.repo.FindService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrServiceNotFound
		}
		return nil, appErrors.Transient(err, "failed to load service")
	}
	open, err := s.repo.CountOpenSessions(ctx, serviceID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to count open sessions")
	}
	return &models.OccupancySnapshot{Service: *svc, OpenSessions: open, Consistent: open == svc.CurrentOccupancy}, nil
}
