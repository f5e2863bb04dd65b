package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-gate-api/internal/models"
)

// AccessEventRepository appends and reads verification events.
type AccessEventRepository struct {
	db *sqlx.DB
}

// NewAccessEventRepository creates a new instance of AccessEventRepository.
func NewAccessEventRepository(db *sqlx.DB) *AccessEventRepository {
	return &AccessEventRepository{db: db}
}

const accessEventColumns = `id, subject_id, service_id, method, status, confidence_score, reason, location, device_id, created_at`

// Create appends an access event.
func (r *AccessEventRepository) Create(ctx context.Context, event *models.AccessEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO access_events (id, subject_id, service_id, method, status, confidence_score, reason, location, device_id, created_at) VALUES (:id, :subject_id, :service_id, :method, :status, :confidence_score, :reason, :location, :device_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("create access event: %w", err)
	}
	return nil
}

func buildAccessEventWhere(filter models.AccessEventFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.ServiceID != "" {
		conditions = append(conditions, fmt.Sprintf("service_id = $%d", len(args)+1))
		args = append(args, filter.ServiceID)
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Method != nil {
		conditions = append(conditions, fmt.Sprintf("method = $%d", len(args)+1))
		args = append(args, *filter.Method)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)+1))
		args = append(args, *filter.To)
	}

	where := "WHERE 1=1"
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// List returns access events matching the filter with the total count.
func (r *AccessEventRepository) List(ctx context.Context, filter models.AccessEventFilter) ([]models.AccessEvent, int, error) {
	where, args := buildAccessEventWhere(filter)

	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s FROM access_events %s ORDER BY created_at %s LIMIT %d OFFSET %d", accessEventColumns, where, sortOrder, pageSize, offset)
	var events []models.AccessEvent
	if err := r.db.SelectContext(ctx, &events, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list access events: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM access_events "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count access events: %w", err)
	}
	return events, total, nil
}

// ListAll returns every event matching the filter, capped at limit rows, for exports.
func (r *AccessEventRepository) ListAll(ctx context.Context, filter models.AccessEventFilter, limit int) ([]models.AccessEvent, error) {
	where, args := buildAccessEventWhere(filter)
	if limit <= 0 {
		limit = 10000
	}
	query := fmt.Sprintf("SELECT %s FROM access_events %s ORDER BY created_at ASC LIMIT %d", accessEventColumns, where, limit)
	var events []models.AccessEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list access events for export: %w", err)
	}
	return events, nil
}

// Stats aggregates event counts by status and method inside [from, to).
func (r *AccessEventRepository) Stats(ctx context.Context, from, to time.Time) ([]models.AccessStatsRow, error) {
	const query = `SELECT status, method, COUNT(*) AS count FROM access_events WHERE created_at >= $1 AND created_at < $2 GROUP BY status, method ORDER BY status, method`
	var rows []models.AccessStatsRow
	if err := r.db.SelectContext(ctx, &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("aggregate access events: %w", err)
	}
	return rows, nil
}
