package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

// VerifyRequest is one verification attempt. At least one identifier is required.
type VerifyRequest struct {
	QRCode          string
	ExternalID      string
	SubjectID       string
	Capture         *models.CaptureInput
	Modality        models.Modality
	BypassBiometric bool
	Strict          bool
	ServiceID       string
	Action          models.OccupancyAction
	Location        string
	DeviceID        string
}

// VerifyResult is the structured verdict returned to the caller.
type VerifyResult struct {
	EventID    string                    `json:"event_id,omitempty"`
	Status     models.VerificationStatus `json:"status"`
	Method     models.VerificationMethod `json:"method"`
	Reason     string                    `json:"reason,omitempty"`
	Subject    *models.Subject           `json:"subject,omitempty"`
	UsageCount *int64                    `json:"credential_usage_count,omitempty"`
	Match      *models.MatchResult       `json:"match,omitempty"`
	Entry      *models.EntryResult       `json:"entry,omitempty"`
	Exit       *models.ExitResult        `json:"exit,omitempty"`
}

type captureResolver interface {
	ValidateCapture(in *models.CaptureInput) error
	ResolveCapture(ctx context.Context, in *models.CaptureInput) (*models.Capture, error)
	Template(ctx context.Context, subjectID string, modality models.Modality) ([]byte, error)
}

type occupancyTransitions interface {
	Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, meta models.RequestMeta) (*models.EntryResult, error)
	Exit(ctx context.Context, req ExitRequest, meta models.RequestMeta) (*models.ExitResult, error)
}

type eventAppender interface {
	Append(ctx context.Context, event *models.AccessEvent) error
}

// VerificationService resolves a subject, optionally proves the claim biometrically, and records the verdict.
type VerificationService struct {
	resolvers  []SubjectResolver
	biometrics captureResolver
	matcher    *TemplateMatcher
	occupancy  occupancyTransitions
	events     eventAppender
	audit      AuditRecorder
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewVerificationService constructs a VerificationService. resolvers are tried in order; the first hit wins.
func NewVerificationService(resolvers []SubjectResolver, biometrics captureResolver, matcher *TemplateMatcher, occupancy occupancyTransitions, events eventAppender, audit AuditRecorder, metrics *MetricsService, logger *zap.Logger) *VerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationService{
		resolvers:  resolvers,
		biometrics: biometrics,
		matcher:    matcher,
		occupancy:  occupancy,
		events:     events,
		audit:      audit,
		metrics:    metrics,
		logger:     logger,
	}
}

// Verify runs one verification. Business outcomes (NOT_FOUND, FORBIDDEN, FAILED, PARTIAL, SUCCESS) are
// returned as a result; infrastructure failures are returned as errors after the attempt is recorded.
func (s *VerificationService) Verify(ctx context.Context, req VerifyRequest, meta models.RequestMeta) (*VerifyResult, error) {
	if err := normaliseVerifyRequest(&req); err != nil {
		return nil, err
	}

	biometricRequested := !req.Capture.Empty() && !req.BypassBiometric
	if biometricRequested {
		// malformed captures must be rejected before a resolver consumes a credential
		if err := s.biometrics.ValidateCapture(req.Capture); err != nil {
			return nil, err
		}
	}
	verdict := &VerifyResult{Method: s.claimedMethod(req)}

	resolution, err := s.resolve(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, req, verdict, nil, err, meta)
	}
	if resolution == nil {
		verdict.Status = models.VerificationNotFound
		verdict.Reason = "subject not found"
		s.record(ctx, req, verdict, nil, meta)
		return verdict, nil
	}
	verdict.Method = resolution.Method
	verdict.Subject = resolution.Subject
	if resolution.Credential != nil {
		count := resolution.Credential.UsageCount
		verdict.UsageCount = &count
	}

	if !resolution.Subject.Eligible() {
		verdict.Status = models.VerificationForbidden
		verdict.Reason = "subject is inactive or suspended"
		s.record(ctx, req, verdict, nil, meta)
		return verdict, nil
	}

	if biometricRequested {
		verdict.Method = models.MethodCombined
		match, err := s.matchBiometric(ctx, resolution.Subject.ID, req)
		if err != nil {
			return nil, s.fail(ctx, req, verdict, nil, err, meta)
		}
		verdict.Match = match
		switch {
		case match.Verified:
			verdict.Status = models.VerificationSuccess
		case match.LowQuality:
			verdict.Status = models.VerificationPartial
			verdict.Reason = match.Details
		default:
			verdict.Status = models.VerificationFailed
			verdict.Reason = match.Details
		}
	} else {
		verdict.Status = models.VerificationSuccess
	}

	if verdict.Status == models.VerificationSuccess && req.Action != models.OccupancyActionNone {
		if err := s.transition(ctx, req, resolution, verdict, meta); err != nil {
			return nil, s.fail(ctx, req, verdict, verdict.Match, err, meta)
		}
	}

	s.record(ctx, req, verdict, verdict.Match, meta)
	return verdict, nil
}

func normaliseVerifyRequest(req *VerifyRequest) error {
	req.QRCode = strings.TrimSpace(req.QRCode)
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.QRCode == "" && req.ExternalID == "" && req.SubjectID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "one of qr_code, external_id or subject_id is required")
	}
	switch req.Action {
	case models.OccupancyActionNone:
	case models.OccupancyActionEntry, models.OccupancyActionExit:
		if req.ServiceID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "service_id is required for entry and exit")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "action must be entry or exit")
	}
	if req.Modality == "" {
		req.Modality = models.ModalityFacial
	}
	if !req.Modality.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "modality must be FACIAL or FINGERPRINT")
	}
	return nil
}

// claimedMethod tags attempts that never resolve with the highest priority identifier supplied.
func (s *VerificationService) claimedMethod(req VerifyRequest) models.VerificationMethod {
	for _, r := range s.resolvers {
		if r.Applies(req) {
			return r.Method()
		}
	}
	return models.MethodDirectID
}

func (s *VerificationService) resolve(ctx context.Context, req VerifyRequest) (*Resolution, error) {
	for _, r := range s.resolvers {
		if !r.Applies(req) {
			continue
		}
		res, err := r.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (s *VerificationService) matchBiometric(ctx context.Context, subjectID string, req VerifyRequest) (*models.MatchResult, error) {
	capture, err := s.biometrics.ResolveCapture(ctx, req.Capture)
	if errors.Is(err, appErrors.ErrNoFaceDetected) {
		return &models.MatchResult{Threshold: s.matcher.Threshold(req.Strict), Details: appErrors.ErrNoFaceDetected.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	stored, err := s.biometrics.Template(ctx, subjectID, req.Modality)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load biometric template")
	}
	return s.matcher.Match(capture, stored, MatchOptions{Strict: req.Strict})
}

func (s *VerificationService) transition(ctx context.Context, req VerifyRequest, res *Resolution, verdict *VerifyResult, meta models.RequestMeta) error {
	var err error
	if req.Action == models.OccupancyActionEntry {
		verdict.Entry, err = s.occupancy.Enter(ctx, res.Subject.ID, req.ServiceID, verdict.Method, meta)
	} else {
		verdict.Exit, err = s.occupancy.Exit(ctx, ExitRequest{SubjectID: res.Subject.ID, ServiceID: req.ServiceID}, meta)
	}
	if err == nil {
		return nil
	}

	appErr := appErrors.FromError(err)
	switch {
	case appErr.Status == http.StatusForbidden:
		verdict.Status = models.VerificationForbidden
	case errors.Is(appErr, appErrors.ErrServiceNotFound), errors.Is(appErr, appErrors.ErrSubjectNotFound):
		verdict.Status = models.VerificationNotFound
	case errors.Is(appErr, appErrors.ErrSessionNotFound):
		verdict.Status = models.VerificationFailed
	default:
		return err
	}
	verdict.Reason = appErr.Message
	return nil
}

// fail records an infrastructure failure as an ERROR attempt and returns the error to surface.
func (s *VerificationService) fail(ctx context.Context, req VerifyRequest, verdict *VerifyResult, match *models.MatchResult, err error, meta models.RequestMeta) error {
	appErr := appErrors.FromError(err)
	if appErr.Status < http.StatusInternalServerError {
		return appErr
	}
	verdict.Status = models.VerificationError
	verdict.Reason = appErr.Code
	s.logger.Error("verification failed", zap.String("code", appErr.Code), zap.Error(err))
	s.record(ctx, req, verdict, match, meta)
	return appErr
}

// record writes exactly one access event and one audit record for the verdict. Neither write can fail the response.
func (s *VerificationService) record(ctx context.Context, req VerifyRequest, verdict *VerifyResult, match *models.MatchResult, meta models.RequestMeta) {
	s.metrics.RecordVerification(verdict.Status, verdict.Method)

	var subjectID *string
	if verdict.Subject != nil {
		subjectID = &verdict.Subject.ID
	}
	event := &models.AccessEvent{
		SubjectID: subjectID,
		ServiceID: strPtr(req.ServiceID),
		Method:    verdict.Method,
		Status:    verdict.Status,
		Reason:    strPtr(verdict.Reason),
		Location:  strPtr(req.Location),
		DeviceID:  strPtr(req.DeviceID),
		CreatedAt: time.Now().UTC(),
	}
	detail := &models.VerificationDetail{
		Method:      verdict.Method,
		Status:      verdict.Status,
		ServiceID:   req.ServiceID,
		Action:      req.Action,
		Reason:      verdict.Reason,
		Strict:      req.Strict,
		BypassedBio: req.BypassBiometric && !req.Capture.Empty(),
	}
	if match != nil {
		event.ConfidenceScore = floatPtr(match.Confidence)
		detail.MatchScore = floatPtr(match.MatchScore)
		detail.Confidence = floatPtr(match.Confidence)
		live := match.LivenessCheck
		detail.Liveness = &live
	}
	if err := s.events.Append(ctx, event); err == nil {
		verdict.EventID = event.ID
	}

	s.audit.Record(ctx, meta.Entry(models.AuditActionVerify, models.ResourceSubject, subjectID, string(verdict.Status), models.AuditDetails{
		Kind:         models.DetailVerification,
		Verification: detail,
	}))
}
