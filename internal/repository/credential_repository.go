package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// ErrDuplicateCode is returned when a generated credential code collides with an existing one.
var ErrDuplicateCode = errors.New("credential code already exists")

// CredentialRepository persists QR credentials.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new instance of CredentialRepository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, subject_id, code, active, expires_at, usage_count, last_used_at, created_at`

// Create inserts a credential. A unique violation on code is reported as ErrDuplicateCode.
func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO credentials (id, subject_id, code, active, expires_at, usage_count, last_used_at, created_at) VALUES (:id, :subject_id, :code, :active, :expires_at, :usage_count, :last_used_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, credential); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCode
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// FindByCode returns a credential by exact code match regardless of validity.
func (r *CredentialRepository) FindByCode(ctx context.Context, code string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE code = $1 LIMIT 1`
	var credential models.Credential
	if err := r.db.GetContext(ctx, &credential, query, code); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find credential by code: %w", err)
	}
	return &credential, nil
}

// ListBySubject returns the credentials issued to a subject, newest first.
func (r *CredentialRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]models.Credential, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE subject_id = $1 ORDER BY created_at DESC LIMIT %d`, credentialColumns, limit)
	var credentials []models.Credential
	if err := r.db.SelectContext(ctx, &credentials, query, subjectID); err != nil {
		return nil, fmt.Errorf("list credentials by subject: %w", err)
	}
	return credentials, nil
}

// FindCurrent returns the most recent active credential of a subject that has not expired at now.
func (r *CredentialRepository) FindCurrent(ctx context.Context, subjectID string, now time.Time) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE subject_id = $1 AND active = TRUE AND expires_at > $2 ORDER BY created_at DESC LIMIT 1`
	var credential models.Credential
	if err := r.db.GetContext(ctx, &credential, query, subjectID, now); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find current credential: %w", err)
	}
	return &credential, nil
}

// DeactivateAllForSubject flips every active credential of the subject to inactive.
func (r *CredentialRepository) DeactivateAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	const query = `UPDATE credentials SET active = FALSE WHERE subject_id = $1 AND active = TRUE`
	res, err := r.db.ExecContext(ctx, query, subjectID)
	if err != nil {
		return 0, fmt.Errorf("deactivate subject credentials: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Deactivate sets active = FALSE for the code unconditionally and reports whether a row matched.
func (r *CredentialRepository) Deactivate(ctx context.Context, code string) (bool, error) {
	const query = `UPDATE credentials SET active = FALSE WHERE code = $1`
	res, err := r.db.ExecContext(ctx, query, code)
	if err != nil {
		return false, fmt.Errorf("deactivate credential: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// IncrementUsage atomically bumps usage_count and stamps last_used_at, returning the stored values.
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int64, error) {
	const query = `UPDATE credentials SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1 RETURNING usage_count`
	var count int64
	if err := r.db.QueryRowxContext(ctx, query, id, usedAt).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, err
		}
		return 0, fmt.Errorf("increment credential usage: %w", err)
	}
	return count, nil
}
