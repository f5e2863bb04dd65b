package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

func TestAccessEventListAppliesFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAccessEventRepository(db)

	status := models.VerificationFailed
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "subject_id", "service_id", "method", "status", "confidence_score", "reason", "location", "device_id", "created_at"}).
		AddRow("evt-1", "sub-1", nil, "BIOMETRIC", "FAILED", 12.5, "match score below threshold", nil, "gate-2", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM access_events WHERE 1=1 AND subject_id = $1 AND status = $2 AND created_at >= $3 ORDER BY created_at DESC LIMIT 10 OFFSET 10")).
		WithArgs("sub-1", "FAILED", from).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM access_events WHERE 1=1 AND subject_id = $1 AND status = $2 AND created_at >= $3")).
		WithArgs("sub-1", "FAILED", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	events, total, err := repo.List(context.Background(), models.AccessEventFilter{
		SubjectID: "sub-1",
		Status:    &status,
		From:      &from,
		Page:      2,
		PageSize:  10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.MethodBiometric, events[0].Method)
	assert.Equal(t, 11, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessEventStats(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAccessEventRepository(db)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status, method")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"status", "method", "count"}).
			AddRow("SUCCESS", "QR", 40).
			AddRow("FAILED", "COMBINED", 2))

	rows, err := repo.Stats(context.Background(), from, to)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 40, rows[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessEventCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAccessEventRepository(db)

	mock.ExpectExec("INSERT INTO access_events").WillReturnResult(sqlmock.NewResult(1, 1))

	event := &models.AccessEvent{Method: models.MethodQR, Status: models.VerificationSuccess}
	require.NoError(t, repo.Create(context.Background(), event))
	assert.NotEmpty(t, event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
