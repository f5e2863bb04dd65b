package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// BiometricRepository stores encrypted template slots, one row per subject.
type BiometricRepository struct {
	db *sqlx.DB
}

// NewBiometricRepository creates a new instance of BiometricRepository.
func NewBiometricRepository(db *sqlx.DB) *BiometricRepository {
	return &BiometricRepository{db: db}
}

// FindBySubject returns the template row of a subject.
func (r *BiometricRepository) FindBySubject(ctx context.Context, subjectID string) (*models.BiometricTemplate, error) {
	const query = `SELECT subject_id, facial_template, fingerprint_template, facial_quality, fingerprint_quality, enrolled_at, updated_at FROM biometric_templates WHERE subject_id = $1 LIMIT 1`
	var tpl models.BiometricTemplate
	if err := r.db.GetContext(ctx, &tpl, query, subjectID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find biometric template: %w", err)
	}
	return &tpl, nil
}

// UpsertSlot replaces the ciphertext of one modality slot, creating the row on first enrollment.
// It reports whether a previous ciphertext existed for the slot.
func (r *BiometricRepository) UpsertSlot(ctx context.Context, subjectID string, modality models.Modality, ciphertext []byte, quality float64, at time.Time) (bool, error) {
	var templateCol, qualityCol string
	switch modality {
	case models.ModalityFacial:
		templateCol, qualityCol = "facial_template", "facial_quality"
	case models.ModalityFingerprint:
		templateCol, qualityCol = "fingerprint_template", "fingerprint_quality"
	default:
		return false, fmt.Errorf("unsupported modality %q", modality)
	}

	// prev sees the snapshot before the upsert.
	query := fmt.Sprintf(`WITH prev AS (SELECT %[1]s IS NOT NULL AS had FROM biometric_templates WHERE subject_id = $1)
INSERT INTO biometric_templates (subject_id, %[1]s, %[2]s, enrolled_at, updated_at) VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (subject_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, %[2]s = EXCLUDED.%[2]s, updated_at = EXCLUDED.updated_at
RETURNING COALESCE((SELECT had FROM prev), FALSE)`, templateCol, qualityCol)

	var replaced bool
	if err := r.db.QueryRowxContext(ctx, query, subjectID, ciphertext, quality, at).Scan(&replaced); err != nil {
		return false, fmt.Errorf("upsert biometric template: %w", err)
	}
	return replaced, nil
}
