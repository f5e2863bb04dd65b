package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type accessEventRepository interface {
	Create(ctx context.Context, event *models.AccessEvent) error
	List(ctx context.Context, filter models.AccessEventFilter) ([]models.AccessEvent, int, error)
	ListAll(ctx context.Context, filter models.AccessEventFilter, limit int) ([]models.AccessEvent, error)
	Stats(ctx context.Context, from, to time.Time) ([]models.AccessStatsRow, error)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const defaultStatsWindow = 24 * time.Hour

// AccessEventService appends verification events and serves read models over them.
type AccessEventService struct {
	repo     accessEventRepository
	cache    statsCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewAccessEventService constructs an AccessEventService. cache may be nil.
func NewAccessEventService(repo accessEventRepository, cache statsCache, cacheTTL time.Duration, logger *zap.Logger) *AccessEventService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessEventService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append writes one access event; failures are logged and returned so the caller can decide.
func (s *AccessEventService) Append(ctx context.Context, event *models.AccessEvent) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.Create(writeCtx, event); err != nil {
		s.logger.Warn("failed to write access event",
			zap.String("status", string(event.Status)),
			zap.String("method", string(event.Method)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// List returns paginated access events.
func (s *AccessEventService) List(ctx context.Context, filter models.AccessEventFilter) ([]models.AccessEvent, *models.Pagination, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown status")
	}
	events, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Transient(err, "failed to list access events")
	}
	return events, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Stats returns counts per status and method in [from, to). Zero bounds default to the last 24 hours.
// The boolean reports whether the result came from cache.
func (s *AccessEventService) Stats(ctx context.Context, from, to time.Time) (*models.AccessStats, bool, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultStatsWindow)
	}
	if !from.Before(to) {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "from must be before to")
	}
	from = from.Truncate(time.Minute)
	to = to.Truncate(time.Minute)

	key := fmt.Sprintf("access:stats:%d:%d", from.Unix(), to.Unix())
	if s.cache != nil {
		var cached models.AccessStats
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	rows, err := s.repo.Stats(ctx, from, to)
	if err != nil {
		return nil, false, appErrors.Transient(err, "failed to aggregate access events")
	}
	stats := &models.AccessStats{
		From:     from,
		To:       to,
		ByStatus: map[models.VerificationStatus]int{},
		ByMethod: map[models.VerificationMethod]int{},
	}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByStatus[row.Status] += row.Count
		stats.ByMethod[row.Method] += row.Count
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, stats, s.cacheTTL)
	}
	return stats, false, nil
}

// Export returns every event matching the filter for report generation.
func (s *AccessEventService) Export(ctx context.Context, filter models.AccessEventFilter, limit int) ([]models.AccessEvent, error) {
	events, err := s.repo.ListAll(ctx, filter, limit)
	if err != nil {
		return nil, appErrors.Transient(err, "failed to load access events")
	}
	return events, nil
}
