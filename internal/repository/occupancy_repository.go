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

// Entry rejections reported by OccupancyRepository.Enter. Unknown services surface as sql.ErrNoRows.
var (
	ErrServiceInactive = errors.New("service inactive")
	ErrServiceFull     = errors.New("service at capacity")
	ErrAlreadyInside   = errors.New("subject already inside service")
	ErrUnknownSubject  = errors.New("subject does not exist")
)

// OccupancyRepository owns services.current_occupancy and occupancy_sessions. Every counter change is a
// single conditional UPDATE inside the same transaction as the session row change.
type OccupancyRepository struct {
	db *sqlx.DB
}

// NewOccupancyRepository creates a new instance of OccupancyRepository.
func NewOccupancyRepository(db *sqlx.DB) *OccupancyRepository {
	return &OccupancyRepository{db: db}
}

const (
	serviceColumns = `id, name, type, active, max_capacity, allow_multiple_entry, current_occupancy, created_at, updated_at`
	sessionColumns = `id, subject_id, service_id, entry_time, exit_time, method, single_entry`
)

// FindService returns a service by identifier.
func (r *OccupancyRepository) FindService(ctx context.Context, id string) (*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1 LIMIT 1`
	var svc models.Service
	if err := r.db.GetContext(ctx, &svc, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find service: %w", err)
	}
	return &svc, nil
}

// ListServiceIDs returns the identifiers of every service, used by periodic reconciliation.
func (r *OccupancyRepository) ListServiceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM services ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return ids, nil
}

// CountOpenSessions returns count(exit_time IS NULL) for the service.
func (r *OccupancyRepository) CountOpenSessions(ctx context.Context, serviceID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM occupancy_sessions WHERE service_id = $1 AND exit_time IS NULL`, serviceID); err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return count, nil
}

// Enter claims a capacity slot and opens a session in one transaction.
func (r *OccupancyRepository) Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, at time.Time) (result *models.EntryResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin entry transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var claimed struct {
		CurrentOccupancy   int  `db:"current_occupancy"`
		AllowMultipleEntry bool `db:"allow_multiple_entry"`
	}
	const claimQuery = `UPDATE services SET current_occupancy = current_occupancy + 1, updated_at = $2 WHERE id = $1 AND active = TRUE AND (max_capacity IS NULL OR current_occupancy < max_capacity) RETURNING current_occupancy, allow_multiple_entry`
	if err = tx.GetContext(ctx, &claimed, claimQuery, serviceID, at); err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("claim occupancy slot: %w", err)
		}
		err = r.entryRejection(ctx, tx, serviceID)
		return nil, err
	}

	session := models.OccupancySession{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		ServiceID:   serviceID,
		EntryTime:   at,
		Method:      method,
		SingleEntry: !claimed.AllowMultipleEntry,
	}
	// the partial unique index on open single-entry sessions turns a duplicate into a no-op insert
	const insertQuery = `INSERT INTO occupancy_sessions (id, subject_id, service_id, entry_time, method, single_entry) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`
	res, err := tx.ExecContext(ctx, insertQuery, session.ID, session.SubjectID, session.ServiceID, session.EntryTime, session.Method, session.SingleEntry)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			err = ErrUnknownSubject
			return nil, err
		}
		return nil, fmt.Errorf("insert occupancy session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		err = ErrAlreadyInside
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit entry: %w", err)
	}
	return &models.EntryResult{Session: session, CurrentOccupancy: claimed.CurrentOccupancy}, nil
}

func (r *OccupancyRepository) entryRejection(ctx context.Context, tx *sqlx.Tx, serviceID string) error {
	var state struct {
		Active           bool `db:"active"`
		MaxCapacity      *int `db:"max_capacity"`
		CurrentOccupancy int  `db:"current_occupancy"`
	}
	if err := tx.GetContext(ctx, &state, `SELECT active, max_capacity, current_occupancy FROM services WHERE id = $1`, serviceID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("inspect service: %w", err)
	}
	if !state.Active {
		return ErrServiceInactive
	}
	return ErrServiceFull
}

// ExitTarget locates the open session to close.
type ExitTarget struct {
	SessionID string
	SubjectID string
	ServiceID string
}

// Exit closes the open session and decrements the counter floored at zero. When the counter was already zero
// the session is still closed and CounterDrift is set on the result.
func (r *OccupancyRepository) Exit(ctx context.Context, target ExitTarget, at time.Time) (result *models.ExitResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin exit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// lock the service row before the session row, the same order Enter uses, so concurrent entry and
	// exit of one subject queue up instead of deadlocking
	serviceID := target.ServiceID
	if target.SessionID != "" {
		if err = tx.GetContext(ctx, &serviceID, `SELECT service_id FROM occupancy_sessions WHERE id = $1 AND exit_time IS NULL`, target.SessionID); err != nil {
			if err == sql.ErrNoRows {
				return nil, err
			}
			return nil, fmt.Errorf("locate occupancy session: %w", err)
		}
	}
	var locked string
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM services WHERE id = $1 FOR UPDATE`, serviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock service: %w", err)
	}

	var session models.OccupancySession
	if target.SessionID != "" {
		query := `UPDATE occupancy_sessions SET exit_time = $2 WHERE id = $1 AND exit_time IS NULL RETURNING ` + sessionColumns
		err = tx.GetContext(ctx, &session, query, target.SessionID, at)
	} else {
		query := `UPDATE occupancy_sessions SET exit_time = $3 WHERE id = (SELECT id FROM occupancy_sessions WHERE subject_id = $1 AND service_id = $2 AND exit_time IS NULL ORDER BY entry_time DESC LIMIT 1 FOR UPDATE) RETURNING ` + sessionColumns
		err = tx.GetContext(ctx, &session, query, target.SubjectID, target.ServiceID, at)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("close occupancy session: %w", err)
	}

	result = &models.ExitResult{Session: session}
	if session.ExitTime != nil {
		result.DurationSeconds = int64(session.Duration() / time.Second)
	}

	const releaseQuery = `UPDATE services SET current_occupancy = current_occupancy - 1, updated_at = $2 WHERE id = $1 AND current_occupancy > 0 RETURNING current_occupancy`
	if err = tx.GetContext(ctx, &result.CurrentOccupancy, releaseQuery, session.ServiceID, at); err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("release occupancy slot: %w", err)
		}
		err = nil
		result.CurrentOccupancy = 0
		result.CounterDrift = true
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit exit: %w", err)
	}
	return result, nil
}

// Reconcile recomputes the counter of a service from its open sessions while holding the service row lock.
func (r *OccupancyRepository) Reconcile(ctx context.Context, serviceID string, at time.Time) (result *models.ReconcileResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result = &models.ReconcileResult{ServiceID: serviceID}
	if err = tx.GetContext(ctx, &result.Previous, `SELECT current_occupancy FROM services WHERE id = $1 FOR UPDATE`, serviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock service: %w", err)
	}
	if err = tx.GetContext(ctx, &result.Actual, `SELECT COUNT(*) FROM occupancy_sessions WHERE service_id = $1 AND exit_time IS NULL`, serviceID); err != nil {
		return nil, fmt.Errorf("count open sessions: %w", err)
	}
	result.Drift = result.Previous - result.Actual

	if result.Drift != 0 {
		if _, err = tx.ExecContext(ctx, `UPDATE services SET current_occupancy = $2, updated_at = $3 WHERE id = $1`, serviceID, result.Actual, at); err != nil {
			return nil, fmt.Errorf("repair occupancy counter: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reconcile: %w", err)
	}
	return result, nil
}
