package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/pkg/embedding"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type verifyFixture struct {
	svc         *VerificationService
	credentials *CredentialService
	credRepo    *memCredentialRepo
	subjects    *fakeSubjects
	templates   *memBiometricRepo
	occupancy   *memOccupancyRepo
	events      *recordingEvents
	audit       *recordingAudit
}

func newVerifyFixture(t *testing.T, audit AuditRecorder) verifyFixture {
	t.Helper()
	v := testVault(t)
	suspended := activeSubject("s-susp", "SUSP1")
	suspended.Suspended = true
	subjects := newFakeSubjects(activeSubject("s1", "U001"), activeSubject("s2", "U002"), suspended)

	recorder := &recordingAudit{}
	if audit == nil {
		audit = recorder
	}
	credRepo := newMemCredentialRepo()
	credentials := NewCredentialService(credRepo, subjects, audit, nil, CredentialConfig{TTL: time.Hour}, nil)

	templates := newMemBiometricRepo()
	_, err := templates.UpsertSlot(context.Background(), "s1", models.ModalityFacial, sealTemplate(t, v, []float32{0.6, 0.8}), 90, time.Now())
	require.NoError(t, err)

	matcher := NewTemplateMatcher(v, MatcherConfig{Threshold: 75, MinQuality: 50})
	biometrics := NewBiometricService(templates, subjects, v, nil, matcher, audit, nil, nil)

	occRepo := newMemOccupancyRepo(
		&models.Service{ID: "lib", Active: true, MaxCapacity: intPtr(1)},
		&models.Service{ID: "gym", Active: true},
	)
	occupancy := NewOccupancyService(occRepo, subjects, audit, nil, nil)
	events := &recordingEvents{}

	svc := NewVerificationService(DefaultResolvers(credentials, subjects), biometrics, matcher, occupancy, events, audit, nil, nil)
	return verifyFixture{
		svc:         svc,
		credentials: credentials,
		credRepo:    credRepo,
		subjects:    subjects,
		templates:   templates,
		occupancy:   occRepo,
		events:      events,
		audit:       recorder,
	}
}

func (f verifyFixture) issue(t *testing.T, subjectID string) *models.Credential {
	t.Helper()
	cred, err := f.credentials.Issue(context.Background(), subjectID, 0, models.SystemRequest())
	require.NoError(t, err)
	return cred
}

func (f verifyFixture) verifyAudits() []models.AuditEntry {
	var out []models.AuditEntry
	for _, e := range f.audit.entries {
		if e.Action == models.AuditActionVerify {
			out = append(out, e)
		}
	}
	return out
}

func liveCapture(vector ...float32) *models.CaptureInput {
	return &models.CaptureInput{Embedding: &models.Capture{Vector: vector, QualityScore: 90, IsLive: true}}
}

func TestVerifyQRWithBiometricAndEntry(t *testing.T) {
	f := newVerifyFixture(t, nil)
	cred := f.issue(t, "s1")

	res, err := f.svc.Verify(context.Background(), VerifyRequest{
		QRCode:    cred.Code,
		Capture:   liveCapture(0.61, 0.79),
		ServiceID: "lib",
		Action:    models.OccupancyActionEntry,
	}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)
	assert.Equal(t, models.MethodCombined, res.Method)
	require.NotNil(t, res.Entry)
	assert.Equal(t, 1, res.Entry.CurrentOccupancy)
	require.NotNil(t, res.UsageCount)
	assert.EqualValues(t, 1, *res.UsageCount)
	assert.True(t, res.Match.Verified)
	assert.Equal(t, "evt-1", res.EventID)

	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	assert.Equal(t, "s1", *event.SubjectID)
	require.NotNil(t, event.ConfidenceScore)

	audits := f.verifyAudits()
	require.Len(t, audits, 1)
	assert.Equal(t, "SUCCESS", audits[0].Status)
	assert.Equal(t, models.MethodCombined, audits[0].Details.Verification.Method)
}

func TestVerifyConsumesQROnBiometricFailure(t *testing.T) {
	f := newVerifyFixture(t, nil)
	cred := f.issue(t, "s1")

	replay := liveCapture(0.6, 0.8)
	replay.Embedding.IsLive = false
	res, err := f.svc.Verify(context.Background(), VerifyRequest{QRCode: cred.Code, Capture: replay, ServiceID: "lib", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, res.Status)
	assert.Nil(t, res.Entry)
	assert.Equal(t, 0, f.occupancy.services["lib"].CurrentOccupancy)

	stored, err := f.credRepo.FindByCode(context.Background(), cred.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.UsageCount)
	assert.Len(t, f.events.events, 1)
}

func TestVerifyLowQualityIsPartial(t *testing.T) {
	f := newVerifyFixture(t, nil)
	capture := liveCapture(0.6, 0.8)
	capture.Embedding.QualityScore = 20

	res, err := f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s1", Capture: capture}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPartial, res.Status)
}

func TestVerifyMissingTemplateFails(t *testing.T) {
	f := newVerifyFixture(t, nil)
	res, err := f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s2", Capture: liveCapture(0.6, 0.8)}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, res.Status)
	assert.Contains(t, res.Reason, "no biometric template")
}

func TestVerifyBypassBiometric(t *testing.T) {
	f := newVerifyFixture(t, nil)
	res, err := f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s2", Capture: liveCapture(0.6, 0.8), BypassBiometric: true}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)
	assert.Equal(t, models.MethodDirectID, res.Method)
	assert.True(t, f.verifyAudits()[0].Details.Verification.BypassedBio)
}

func TestVerifyResolverOrder(t *testing.T) {
	f := newVerifyFixture(t, nil)

	res, err := f.svc.Verify(context.Background(), VerifyRequest{QRCode: "UNKNOWN-code", ExternalID: "u002", SubjectID: "s1"}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)
	assert.Equal(t, models.MethodExternalID, res.Method)
	assert.Equal(t, "s2", res.Subject.ID)

	cred := f.issue(t, "s1")
	res, err = f.svc.Verify(context.Background(), VerifyRequest{QRCode: cred.Code, ExternalID: "U002"}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.MethodQR, res.Method)
	assert.Equal(t, "s1", res.Subject.ID)
}

func TestVerifyNotFoundAndForbidden(t *testing.T) {
	f := newVerifyFixture(t, nil)

	res, err := f.svc.Verify(context.Background(), VerifyRequest{QRCode: "NOPE-123"}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationNotFound, res.Status)
	assert.Equal(t, models.MethodQR, res.Method)
	assert.Nil(t, f.events.events[0].SubjectID)

	res, err = f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s-susp", ServiceID: "gym", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationForbidden, res.Status)
	assert.Equal(t, 0, f.occupancy.services["gym"].CurrentOccupancy)

	audits := f.verifyAudits()
	require.Len(t, audits, 2)
	assert.Equal(t, "NOT_FOUND", audits[0].Status)
	assert.Equal(t, "FORBIDDEN", audits[1].Status)
}

func TestVerifyOccupancyOutcomes(t *testing.T) {
	f := newVerifyFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, VerifyRequest{SubjectID: "s1", ServiceID: "lib", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)

	res, err = f.svc.Verify(ctx, VerifyRequest{SubjectID: "s2", ServiceID: "lib", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationForbidden, res.Status)
	assert.Equal(t, appErrors.ErrCapacityExceeded.Message, res.Reason)

	res, err = f.svc.Verify(ctx, VerifyRequest{SubjectID: "s2", ServiceID: "lib", Action: models.OccupancyActionExit}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, res.Status)

	res, err = f.svc.Verify(ctx, VerifyRequest{SubjectID: "s1", ServiceID: "pool", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationNotFound, res.Status)

	res, err = f.svc.Verify(ctx, VerifyRequest{SubjectID: "s1", ServiceID: "lib", Action: models.OccupancyActionExit}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)
	require.NotNil(t, res.Exit)
	assert.Equal(t, 0, res.Exit.CurrentOccupancy)

	assert.Len(t, f.events.events, 5)
	assert.Len(t, f.verifyAudits(), 5)
}

func TestVerifyTransientFailureIsRecorded(t *testing.T) {
	f := newVerifyFixture(t, nil)
	f.subjects.err = driver.ErrBadConn

	_, err := f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s1"}, models.SystemRequest())
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, models.VerificationError, f.events.events[0].Status)
	audits := f.verifyAudits()
	require.Len(t, audits, 1)
	assert.Equal(t, "ERROR", audits[0].Status)
}

func TestVerifyValidation(t *testing.T) {
	f := newVerifyFixture(t, nil)
	for _, req := range []VerifyRequest{
		{},
		{SubjectID: "s1", Action: models.OccupancyActionEntry},
		{SubjectID: "s1", ServiceID: "lib", Action: "teleport"},
		{SubjectID: "s1", Modality: "IRIS"},
	} {
		_, err := f.svc.Verify(context.Background(), req, models.SystemRequest())
		assert.ErrorIs(t, err, appErrors.ErrValidation)
	}
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.audit.entries)
}

func TestVerifySurvivesSideChannelFailures(t *testing.T) {
	audit := NewAuditService(&failingAuditRepo{err: errors.New("audit store down")}, nil, nil)
	f := newVerifyFixture(t, audit)
	f.events.err = errors.New("event store down")

	res, err := f.svc.Verify(context.Background(), VerifyRequest{SubjectID: "s1", ServiceID: "gym", Action: models.OccupancyActionEntry}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationSuccess, res.Status)
	assert.Empty(t, res.EventID)
	assert.Equal(t, 1, f.occupancy.services["gym"].CurrentOccupancy)
}

func TestVerifyMalformedCaptureLeavesCredentialUnused(t *testing.T) {
	f := newVerifyFixture(t, nil)
	cred := f.issue(t, "s1")

	bad := liveCapture(0.6, 0.8)
	bad.Embedding.QualityScore = 150
	_, err := f.svc.Verify(context.Background(), VerifyRequest{QRCode: cred.Code, Capture: bad}, models.SystemRequest())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = f.svc.Verify(context.Background(), VerifyRequest{QRCode: cred.Code, Capture: &models.CaptureInput{Embedding: &models.Capture{QualityScore: 90, IsLive: true}}}, models.SystemRequest())
	require.Error(t, err)

	stored, err := f.credRepo.FindByCode(context.Background(), cred.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.UsageCount)
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.verifyAudits())
}

func TestVerifyNoFaceIsFailedVerdict(t *testing.T) {
	f := newVerifyFixture(t, nil)
	v := testVault(t)
	matcher := NewTemplateMatcher(v, MatcherConfig{Threshold: 75, MinQuality: 50})
	biometrics := NewBiometricService(f.templates, f.subjects, v, &stubEmbedder{err: embedding.ErrNoFace}, matcher, f.audit, nil, nil)
	svc := NewVerificationService(DefaultResolvers(f.credentials, f.subjects), biometrics, matcher, NewOccupancyService(f.occupancy, f.subjects, f.audit, nil, nil), f.events, f.audit, nil, nil)

	res, err := svc.Verify(context.Background(), VerifyRequest{SubjectID: "s1", Capture: &models.CaptureInput{ImageURL: "https://cdn.example/wall.jpg"}}, models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, res.Status)
	assert.Equal(t, models.MethodCombined, res.Method)
	assert.False(t, res.Match.Verified)
	assert.Equal(t, appErrors.ErrNoFaceDetected.Message, res.Reason)

	audits := f.verifyAudits()
	require.Len(t, audits, 1)
	assert.Equal(t, "FAILED", audits[0].Status)
}
