package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/dto"
	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type biometricServiceMock struct {
	modality models.Modality
	capture  *models.CaptureInput
	err      error
}

func (m *biometricServiceMock) Enroll(ctx context.Context, subjectID string, modality models.Modality, in *models.CaptureInput, meta models.RequestMeta) (*models.BiometricStatus, error) {
	m.modality, m.capture = modality, in
	if m.err != nil {
		return nil, m.err
	}
	return &models.BiometricStatus{SubjectID: subjectID, FacialEnrolled: modality == models.ModalityFacial}, nil
}

func (m *biometricServiceMock) Status(ctx context.Context, subjectID string) (*models.BiometricStatus, error) {
	return &models.BiometricStatus{SubjectID: subjectID}, m.err
}

func TestBiometricHandlerEnroll(t *testing.T) {
	svc := &biometricServiceMock{}
	h := NewBiometricHandler(svc)

	payload := dto.EnrollTemplateRequest{
		Modality: models.ModalityFacial,
		Capture:  models.CaptureInput{Embedding: &models.Capture{Vector: []float32{0.1, 0.2}, QualityScore: 92, IsLive: true}},
	}
	c, w := newGinContext(http.MethodPost, "/biometrics/sub-1/enroll", payload)
	c.Params = gin.Params{{Key: "subjectId", Value: "sub-1"}}
	h.Enroll(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.ModalityFacial, svc.modality)
	require.NotNil(t, svc.capture.Embedding)
	assert.Len(t, svc.capture.Embedding.Vector, 2)
}

func TestBiometricHandlerEnrollLowQuality(t *testing.T) {
	h := NewBiometricHandler(&biometricServiceMock{err: appErrors.ErrLowQuality})

	c, w := newGinContext(http.MethodPost, "/biometrics/sub-1/enroll", dto.EnrollTemplateRequest{Modality: models.ModalityFingerprint})
	c.Params = gin.Params{{Key: "subjectId", Value: "sub-1"}}
	h.Enroll(c)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
