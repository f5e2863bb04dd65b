package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/dto"
	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/service"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type verifierMock struct {
	result *service.VerifyResult
	err    error
	got    service.VerifyRequest
}

func (m *verifierMock) Verify(ctx context.Context, req service.VerifyRequest, meta models.RequestMeta) (*service.VerifyResult, error) {
	m.got = req
	return m.result, m.err
}

func TestVerificationHandlerReturnsVerdict(t *testing.T) {
	svc := &verifierMock{result: &service.VerifyResult{
		EventID: "evt-1",
		Status:  models.VerificationFailed,
		Method:  models.MethodCombined,
		Reason:  "score below threshold",
	}}
	h := NewVerificationHandler(svc)

	c, w := newGinContext(http.MethodPost, "/verify", dto.VerifyRequest{
		QRCode:    "STU00001_abc",
		ServiceID: "svc-1",
		Action:    models.OccupancyActionEntry,
		Capture:   &models.CaptureInput{ImageURL: "https://cdn.example.edu/capture.jpg"},
	})
	c.Request.Header.Set("X-Device-ID", "gate-7")
	asUser(c, "dev-1", models.RoleOperator, "")

	h.Verify(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gate-7", svc.got.DeviceID)
	assert.Equal(t, models.OccupancyActionEntry, svc.got.Action)
	assert.NotNil(t, svc.got.Capture)

	var verdict service.VerifyResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &verdict))
	assert.Equal(t, models.VerificationFailed, verdict.Status)
	assert.Equal(t, "evt-1", verdict.EventID)
}

func TestVerificationHandlerBodyDeviceWinsOverHeader(t *testing.T) {
	svc := &verifierMock{result: &service.VerifyResult{Status: models.VerificationSuccess}}
	h := NewVerificationHandler(svc)

	c, _ := newGinContext(http.MethodPost, "/verify", dto.VerifyRequest{SubjectID: "sub-1", DeviceID: "kiosk-2"})
	c.Request.Header.Set("X-Device-ID", "gate-7")
	h.Verify(c)

	assert.Equal(t, "kiosk-2", svc.got.DeviceID)
}

func TestVerificationHandlerRejectsUnknownAction(t *testing.T) {
	h := NewVerificationHandler(&verifierMock{})

	c, w := newGinContext(http.MethodPost, "/verify", []byte(`{"subject_id":"sub-1","action":"teleport"}`))
	h.Verify(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerificationHandlerSurfacesUnavailableStore(t *testing.T) {
	h := NewVerificationHandler(&verifierMock{err: appErrors.ErrStoreUnavailable})

	c, w := newGinContext(http.MethodPost, "/verify", dto.VerifyRequest{SubjectID: "sub-1"})
	h.Verify(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, appErrors.ErrStoreUnavailable.Code, decode(t, w).Error.Code)
}
