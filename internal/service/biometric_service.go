package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/pkg/embedding"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type biometricRepository interface {
	FindBySubject(ctx context.Context, subjectID string) (*models.BiometricTemplate, error)
	UpsertSlot(ctx context.Context, subjectID string, modality models.Modality, ciphertext []byte, quality float64, at time.Time) (bool, error)
}

// Encrypter seals template plaintext.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// Embedder turns an image into an embedding with quality and liveness verdicts.
type Embedder interface {
	Embed(ctx context.Context, img embedding.Image) (*embedding.Result, error)
}

// BiometricService enrolls encrypted templates and resolves live captures.
type BiometricService struct {
	repo      biometricRepository
	subjects  subjectLookup
	vault     Encrypter
	embedder  Embedder
	matcher   *TemplateMatcher
	audit     AuditRecorder
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewBiometricService constructs a BiometricService. embedder may be nil when only precomputed embeddings are accepted.
func NewBiometricService(repo biometricRepository, subjects subjectLookup, vault Encrypter, embedder Embedder, matcher *TemplateMatcher, audit AuditRecorder, validate *validator.Validate, logger *zap.Logger) *BiometricService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BiometricService{
		repo:      repo,
		subjects:  subjects,
		vault:     vault,
		embedder:  embedder,
		matcher:   matcher,
		audit:     audit,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ValidateCapture checks the shape of a capture without touching the embedding service or the store.
func (s *BiometricService) ValidateCapture(in *models.CaptureInput) error {
	if in.Empty() {
		return nil
	}
	if err := s.validator.Struct(in); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid capture: "+err.Error())
	}
	if in.Embedding != nil {
		if err := s.validator.Struct(in.Embedding); err != nil {
			return appErrors.Clone(appErrors.ErrValidation, "invalid embedding: "+err.Error())
		}
		return nil
	}
	if in.ImageURL == "" {
		if _, err := base64.StdEncoding.DecodeString(in.ImageBase64); err != nil {
			return appErrors.Clone(appErrors.ErrValidation, "image_base64 is not valid base64")
		}
	}
	return nil
}

// ResolveCapture returns the embedding of a capture, calling the embedding service for images.
func (s *BiometricService) ResolveCapture(ctx context.Context, in *models.CaptureInput) (*models.Capture, error) {
	if in.Empty() {
		return nil, nil
	}
	if err := s.ValidateCapture(in); err != nil {
		return nil, err
	}
	if in.Embedding != nil {
		return in.Embedding, nil
	}
	if s.embedder == nil {
		return nil, appErrors.Clone(appErrors.ErrEmbeddingUnavailable, "embedding service not configured")
	}

	img := embedding.Image{URL: in.ImageURL}
	if img.URL == "" {
		data, err := base64.StdEncoding.DecodeString(in.ImageBase64)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "image_base64 is not valid base64")
		}
		img.Data = data
	}
	res, err := s.embedder.Embed(ctx, img)
	if errors.Is(err, embedding.ErrNoFace) {
		return nil, appErrors.ErrNoFaceDetected
	}
	if err != nil {
		s.logger.Warn("embedding request failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrEmbeddingUnavailable.Code, appErrors.ErrEmbeddingUnavailable.Status, appErrors.ErrEmbeddingUnavailable.Message)
	}
	return &models.Capture{Vector: res.Vector, QualityScore: res.QualityScore, IsLive: res.IsLive}, nil
}

// Enroll seals the capture's embedding and upserts the modality slot of the subject.
func (s *BiometricService) Enroll(ctx context.Context, subjectID string, modality models.Modality, in *models.CaptureInput, meta models.RequestMeta) (*models.BiometricStatus, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	if modality == "" {
		modality = models.ModalityFacial
	}
	if !modality.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "modality must be FACIAL or FINGERPRINT")
	}
	if in.Empty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "capture is required")
	}

	if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSubjectNotFound
		}
		return nil, appErrors.Transient(err, "failed to load subject")
	}

	capture, err := s.ResolveCapture(ctx, in)
	if err != nil {
		return nil, err
	}

	denied := func(reason string, template *appErrors.Error) (*models.BiometricStatus, error) {
		s.audit.Record(ctx, meta.Entry(models.AuditActionTemplateEnroll, models.ResourceTemplate, &subjectID, models.AuditStatusDenied, models.AuditDetails{
			Kind:     models.DetailTemplate,
			Template: &models.TemplateDetail{Modality: modality, QualityScore: capture.QualityScore},
			Extra:    map[string]interface{}{"reason": reason},
		}))
		return nil, template
	}
	if !capture.IsLive {
		return denied("liveness check failed", appErrors.ErrLivenessFailed)
	}
	if capture.QualityScore < s.matcher.MinQuality() {
		return denied("capture quality below minimum", appErrors.ErrLowQuality)
	}

	plaintext, err := EncodeTemplate(capture.Vector)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode template")
	}
	sealed, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCrypto.Code, appErrors.ErrCrypto.Status, appErrors.ErrCrypto.Message)
	}

	replaced, err := s.repo.UpsertSlot(ctx, subjectID, modality, sealed, capture.QualityScore, s.now())
	if err != nil {
		return nil, appErrors.Transient(err, "failed to store biometric template")
	}

	s.audit.Record(ctx, meta.Entry(models.AuditActionTemplateEnroll, models.ResourceTemplate, &subjectID, models.AuditStatusSuccess, models.AuditDetails{
		Kind:     models.DetailTemplate,
		Template: &models.TemplateDetail{Modality: modality, QualityScore: capture.QualityScore, Replaced: replaced},
	}))
	return s.Status(ctx, subjectID)
}

// Status reports which slots are enrolled without exposing ciphertext.
func (s *BiometricService) Status(ctx context.Context, subjectID string) (*models.BiometricStatus, error) {
	status := &models.BiometricStatus{SubjectID: subjectID}
	tpl, err := s.repo.FindBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return status, nil
		}
		return nil, appErrors.Transient(err, "failed to load biometric template")
	}
	status.FacialEnrolled = len(tpl.FacialTemplate) > 0
	status.FingerprintEnrolled = len(tpl.FingerprintTemplate) > 0
	status.FacialQuality = tpl.FacialQuality
	status.FingerprintQuality = tpl.FingerprintQuality
	status.EnrolledAt = &tpl.EnrolledAt
	status.UpdatedAt = &tpl.UpdatedAt
	return status, nil
}

// Template returns the stored ciphertext of a modality slot, nil when not enrolled.
func (s *BiometricService) Template(ctx context.Context, subjectID string, modality models.Modality) ([]byte, error) {
	tpl, err := s.repo.FindBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tpl.Slot(modality), nil
}
