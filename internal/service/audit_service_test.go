package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type captureAuditRepo struct {
	logs  []models.AuditLog
	total int
	ctxOK bool
}

func (r *captureAuditRepo) Create(ctx context.Context, log *models.AuditLog) error {
	r.ctxOK = ctx.Err() == nil
	r.logs = append(r.logs, *log)
	return nil
}

func (r *captureAuditRepo) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, int, error) {
	return r.logs, r.total, nil
}

func TestAuditRecordDefaultsActorAndSurvivesCancellation(t *testing.T) {
	repo := &captureAuditRepo{}
	svc := NewAuditService(repo, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := "cred-1"
	svc.Record(ctx, models.AuditEntry{
		Action:       models.AuditActionCredentialRevoke,
		ResourceType: models.ResourceCredential,
		ResourceID:   &id,
		Status:       models.AuditStatusSuccess,
	})

	require.Len(t, repo.logs, 1)
	assert.True(t, repo.ctxOK)
	assert.Equal(t, models.ActorTypeSystem, repo.logs[0].ActorType)
	assert.False(t, repo.logs[0].CreatedAt.IsZero())
}

func TestAuditFailuresAreCountedNotReturned(t *testing.T) {
	metrics := NewMetricsService()
	svc := NewAuditService(&failingAuditRepo{err: errors.New("disk full")}, metrics, nil)

	svc.Record(context.Background(), models.SystemRequest().Entry(models.AuditActionVerify, models.ResourceSubject, nil, "SUCCESS", models.AuditDetails{}))
	svc.Record(context.Background(), models.SystemRequest().Entry(models.AuditActionVerify, models.ResourceSubject, nil, "FAILED", models.AuditDetails{}))

	assert.EqualValues(t, 2, metrics.Snapshot().AuditWriteFailures)
}

func TestAuditList(t *testing.T) {
	repo := &captureAuditRepo{logs: []models.AuditLog{{ID: "a1"}}, total: 41}
	svc := NewAuditService(repo, nil, nil)

	logs, page, err := svc.List(context.Background(), models.AuditFilter{Page: 3, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, &models.Pagination{Page: 3, PageSize: 20, TotalCount: 41}, page)

	from := time.Now()
	to := from.Add(-time.Hour)
	_, _, err = svc.List(context.Background(), models.AuditFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}
