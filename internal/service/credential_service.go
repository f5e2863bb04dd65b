package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/repository"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

const (
	codeRandomBytes   = 24
	maxIssueAttempts  = 3
	maxCodeLength     = 128
	defaultQRSize     = 256
	maxQRSize         = 1024
	auditedCodePrefix = 12
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type credentialRepository interface {
	Create(ctx context.Context, credential *models.Credential) error
	FindByCode(ctx context.Context, code string) (*models.Credential, error)
	FindCurrent(ctx context.Context, subjectID string, now time.Time) (*models.Credential, error)
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]models.Credential, error)
	DeactivateAllForSubject(ctx context.Context, subjectID string) (int64, error)
	Deactivate(ctx context.Context, code string) (bool, error)
	IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int64, error)
}

type subjectLookup interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

// CredentialConfig tunes issuance.
type CredentialConfig struct {
	TTL       time.Duration
	PrefixLen int
	BaseURL   string
}

// CredentialService issues, validates and revokes short-lived QR credentials.
type CredentialService struct {
	repo     credentialRepository
	subjects subjectLookup
	audit    AuditRecorder
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      CredentialConfig
	now      func() time.Time
	random   io.Reader
}

// NewCredentialService constructs a CredentialService.
func NewCredentialService(repo credentialRepository, subjects subjectLookup, audit AuditRecorder, metrics *MetricsService, cfg CredentialConfig, logger *zap.Logger) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.PrefixLen <= 0 {
		cfg.PrefixLen = 8
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CredentialService{
		repo:     repo,
		subjects: subjects,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		random:   rand.Reader,
	}
}

// Issue supersedes any active credential of the subject and creates a new one valid for ttl
// (the configured default when ttl <= 0).
func (s *CredentialService) Issue(ctx context.Context, subjectID string, ttl time.Duration, meta models.RequestMeta) (*models.Credential, error) {
	return s.rotate(ctx, subjectID, ttl, models.AuditActionCredentialIssue, meta)
}

// Refresh deactivates every active credential of the subject, then issues a new one with the default TTL.
// The two steps are sequential, not atomic: a concurrent validator may briefly observe both codes active.
func (s *CredentialService) Refresh(ctx context.Context, subjectID string, meta models.RequestMeta) (*models.Credential, error) {
	return s.rotate(ctx, subjectID, 0, models.AuditActionCredentialRefresh, meta)
}

// Current returns the subject's valid credential, refreshing when none is valid.
func (s *CredentialService) Current(ctx context.Context, subjectID string, meta models.RequestMeta) (*models.Credential, error) {
	credential, err := s.repo.FindCurrent(ctx, subjectID, s.now())
	if err == nil {
		return credential, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Transient(err, "failed to load current credential")
	}
	return s.Refresh(ctx, subjectID, meta)
}

func (s *CredentialService) rotate(ctx context.Context, subjectID string, ttl time.Duration, action string, meta models.RequestMeta) (*models.Credential, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject_id is required")
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSubjectNotFound
		}
		return nil, appErrors.Transient(err, "failed to load subject")
	}
	if !subject.Eligible() {
		s.audit.Record(ctx, meta.Entry(action, models.ResourceSubject, &subject.ID, models.AuditStatusDenied, models.AuditDetails{
			Kind:  models.DetailCredential,
			Extra: map[string]interface{}{"reason": "subject inactive or suspended"},
		}))
		return nil, appErrors.ErrSubjectInactive
	}

	deactivated, err := s.repo.DeactivateAllForSubject(ctx, subject.ID)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to deactivate previous credentials")
	}

	credential, err := s.create(ctx, subject, ttl)
	if err != nil {
		s.audit.Record(ctx, meta.Entry(action, models.ResourceSubject, &subject.ID, models.AuditStatusError, models.AuditDetails{
			Kind:       models.DetailCredential,
			Credential: &models.CredentialDetail{Deactivated: deactivated},
		}))
		return nil, err
	}

	op := "issue"
	if action == models.AuditActionCredentialRefresh {
		op = "refresh"
	}
	s.metrics.RecordCredentialOperation(op)
	s.audit.Record(ctx, meta.Entry(action, models.ResourceCredential, &credential.ID, models.AuditStatusSuccess, models.AuditDetails{
		Kind: models.DetailCredential,
		Credential: &models.CredentialDetail{
			CodePrefix:  redactCode(credential.Code),
			ExpiresAt:   &credential.ExpiresAt,
			Deactivated: deactivated,
		},
	}))
	return credential, nil
}

func (s *CredentialService) create(ctx context.Context, subject *models.Subject, ttl time.Duration) (*models.Credential, error) {
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		code, err := s.generateCode(subject)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate credential code")
		}
		now := s.now()
		credential := &models.Credential{
			SubjectID: subject.ID,
			Code:      code,
			Active:    true,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
		err = s.repo.Create(ctx, credential)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, appErrors.Transient(err, "failed to store credential")
		}
		s.logger.Warn("credential code collision, retrying", zap.Int("attempt", attempt))
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "could not allocate a unique credential code")
}

// generateCode returns PREFIX-RANDOM where PREFIX is derived from the matric number for debuggability.
func (s *CredentialService) generateCode(subject *models.Subject) (string, error) {
	source := subject.MatricNumber
	if source == "" {
		source = subject.ID
	}
	var prefix strings.Builder
	for _, r := range strings.ToUpper(source) {
		if prefix.Len() >= s.cfg.PrefixLen {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			prefix.WriteRune(r)
		}
	}
	if prefix.Len() == 0 {
		prefix.WriteString("SUB")
	}

	buf := make([]byte, codeRandomBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return prefix.String() + "-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate returns the credential for a raw code or a URL ending in the code. Unknown, malformed,
// expired and inactive codes all produce the same not-found error.
func (s *CredentialService) Validate(ctx context.Context, raw string) (*models.Credential, error) {
	code, ok := ExtractCode(raw)
	if !ok {
		return nil, appErrors.ErrCredentialNotFound
	}
	credential, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCredentialNotFound
		}
		return nil, appErrors.Transient(err, "failed to look up credential")
	}
	if !credential.ValidAt(s.now()) {
		return nil, appErrors.ErrCredentialNotFound
	}
	s.metrics.RecordCredentialOperation("validate")
	return credential, nil
}

// RecordUsage increments the usage counter of a credential that was acted upon.
func (s *CredentialService) RecordUsage(ctx context.Context, credentialID string) (int64, error) {
	count, err := s.repo.IncrementUsage(ctx, credentialID, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.ErrCredentialNotFound
		}
		return 0, appErrors.Transient(err, "failed to record credential usage")
	}
	s.metrics.RecordCredentialOperation("usage")
	return count, nil
}

// Consume validates a credential and records one usage.
func (s *CredentialService) Consume(ctx context.Context, raw string) (*models.Credential, error) {
	credential, err := s.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	count, err := s.RecordUsage(ctx, credential.ID)
	if err != nil {
		return nil, err
	}
	usedAt := s.now()
	credential.UsageCount = count
	credential.LastUsedAt = &usedAt
	return credential, nil
}

// Revoke deactivates a credential unconditionally. Revoking an unknown or already inactive code succeeds.
func (s *CredentialService) Revoke(ctx context.Context, raw string, meta models.RequestMeta) error {
	code, ok := ExtractCode(raw)
	if !ok {
		return appErrors.ErrCredentialNotFound
	}
	found, err := s.repo.Deactivate(ctx, code)
	if err != nil {
		return appErrors.Transient(err, "failed to revoke credential")
	}
	s.metrics.RecordCredentialOperation("revoke")
	s.audit.Record(ctx, meta.Entry(models.AuditActionCredentialRevoke, models.ResourceCredential, nil, models.AuditStatusSuccess, models.AuditDetails{
		Kind:       models.DetailCredential,
		Credential: &models.CredentialDetail{CodePrefix: redactCode(code)},
		Extra:      map[string]interface{}{"matched": found},
	}))
	return nil
}

// ListForSubject returns the most recent credentials of a subject.
func (s *CredentialService) ListForSubject(ctx context.Context, subjectID string) ([]models.Credential, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "subject id is required")
	}
	credentials, err := s.repo.ListBySubject(ctx, subjectID, 20)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to list credentials")
	}
	return credentials, nil
}

// RenderQR encodes a valid credential as a PNG QR code. The payload is the verification URL when a base URL
// is configured, otherwise the bare code.
func (s *CredentialService) RenderQR(ctx context.Context, raw string, size int) ([]byte, error) {
	credential, err := s.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = defaultQRSize
	}
	if size > maxQRSize {
		size = maxQRSize
	}
	payload := credential.Code
	if s.cfg.BaseURL != "" {
		payload = s.cfg.BaseURL + "/" + url.PathEscape(credential.Code)
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render qr code")
	}
	return png, nil
}

// ExtractCode accepts a bare code or a URL whose last path segment is the code, and percent-decodes it.
func ExtractCode(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	candidate := raw
	if strings.Contains(raw, "/") {
		path := raw
		if parsed, err := url.Parse(raw); err == nil {
			path = parsed.EscapedPath()
		}
		path = strings.TrimRight(path, "/")
		candidate = path[strings.LastIndex(path, "/")+1:]
	}
	decoded, err := url.PathUnescape(candidate)
	if err != nil {
		return "", false
	}
	if decoded == "" || len(decoded) > maxCodeLength || !codePattern.MatchString(decoded) {
		return "", false
	}
	return decoded, true
}

func redactCode(code string) string {
	if len(code) <= auditedCodePrefix {
		return code
	}
	return code[:auditedCodePrefix]
}
