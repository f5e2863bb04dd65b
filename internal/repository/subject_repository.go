package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// SubjectRepository reads registered identities from the identity store. The core never mutates subjects.
type SubjectRepository struct {
	db *sqlx.DB
}

// NewSubjectRepository creates a new instance of SubjectRepository.
func NewSubjectRepository(db *sqlx.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

const subjectColumns = `id, matric_number, full_name, active, suspended, suspended_reason, created_at, updated_at`

// FindByID returns a subject by primary identifier.
func (r *SubjectRepository) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1 LIMIT 1`
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find subject by id: %w", err)
	}
	return &subject, nil
}

// FindByMatric returns a subject by its external matric identifier (case-insensitive).
func (r *SubjectRepository) FindByMatric(ctx context.Context, matric string) (*models.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE UPPER(matric_number) = $1 LIMIT 1`
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, query, strings.ToUpper(strings.TrimSpace(matric))); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find subject by matric: %w", err)
	}
	return &subject, nil
}
