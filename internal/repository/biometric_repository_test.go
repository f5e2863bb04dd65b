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

func TestBiometricUpsertTargetsModalitySlot(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewBiometricRepository(db)

	at := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (subject_id) DO UPDATE SET fingerprint_template = EXCLUDED.fingerprint_template, fingerprint_quality = EXCLUDED.fingerprint_quality")).
		WithArgs("sub-1", []byte{0x01, 0x02}, 81.5, at).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(true))

	replaced, err := repo.UpsertSlot(context.Background(), "sub-1", models.ModalityFingerprint, []byte{0x01, 0x02}, 81.5, at)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBiometricUpsertRejectsUnknownModality(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewBiometricRepository(db)

	_, err := repo.UpsertSlot(context.Background(), "sub-1", models.Modality("IRIS"), nil, 0, time.Now())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBiometricFindBySubject(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewBiometricRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"subject_id", "facial_template", "fingerprint_template", "facial_quality", "fingerprint_quality", "enrolled_at", "updated_at"}).
		AddRow("sub-1", []byte{0xaa}, nil, 90.0, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM biometric_templates WHERE subject_id = $1")).
		WithArgs("sub-1").
		WillReturnRows(rows)

	tpl, err := repo.FindBySubject(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, tpl.Slot(models.ModalityFacial))
	assert.Nil(t, tpl.Slot(models.ModalityFingerprint))
	assert.NoError(t, mock.ExpectationsWereMet())
}
