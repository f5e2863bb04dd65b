package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
	"github.com/noah-isme/sma-gate-api/pkg/export"
	"github.com/noah-isme/sma-gate-api/pkg/jobs"
	"github.com/noah-isme/sma-gate-api/pkg/storage"
)

const (
	exportJobType     = "access_events_export"
	exportJobKeyFmt   = "exports:job:%s"
	maxExportRows     = 10000
	exportTimeLayout  = "2006-01-02 15:04:05"
	exportPathSegment = "export"
)

type exportJobStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type exportEventSource interface {
	Export(ctx context.Context, filter models.AccessEventFilter, limit int) ([]models.AccessEvent, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type downloadSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string) (jobID, relPath string, expiresAt time.Time, err error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	JobTTL    time.Duration
	FileTTL   time.Duration
}

// ExportRequest selects the access events to export.
type ExportRequest struct {
	Format    models.ExportFormat
	SubjectID string
	ServiceID string
	From      *time.Time
	To        *time.Time
}

// ExportDownload is a resolved, still-valid export file.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    models.ExportFormat
	ExpiresAt time.Time
}

// ExportService runs access-log exports through the background queue. Job state lives in the cache
// store; rendered files live on local storage behind signed download tokens.
type ExportService struct {
	store  exportJobStore
	events exportEventSource
	files  fileStorage
	signer downloadSigner
	queue  jobDispatcher
	csv    datasetRenderer
	pdf    datasetRenderer
	audit  AuditRecorder
	logger *zap.Logger
	cfg    ExportConfig
	now    func() time.Time
}

// NewExportService constructs an ExportService. Call SetQueue before Request is used.
func NewExportService(store exportJobStore, events exportEventSource, files fileStorage, signer downloadSigner, audit AuditRecorder, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	if cfg.FileTTL <= 0 {
		cfg.FileTTL = cfg.JobTTL
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &ExportService{
		store:  store,
		events: events,
		files:  files,
		signer: signer,
		csv:    export.NewCSVExporter(),
		pdf:    export.NewPDFExporter(),
		audit:  audit,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue attaches the dispatcher. The queue handler is this service's Process, so the two are built
// in sequence.
func (s *ExportService) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

// Request records a queued export job and hands it to the worker pool.
func (s *ExportService) Request(ctx context.Context, req ExportRequest, meta models.RequestMeta) (*models.ExportJob, error) {
	if req.Format != models.ExportFormatCSV && req.Format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "exports are disabled")
	}

	createdBy := ""
	if meta.Actor.ID != nil {
		createdBy = *meta.Actor.ID
	}
	job := &models.ExportJob{
		ID:        uuid.NewString(),
		Format:    req.Format,
		SubjectID: req.SubjectID,
		ServiceID: req.ServiceID,
		Status:    models.ExportStatusQueued,
		From:      req.From,
		To:        req.To,
		CreatedBy: createdBy,
		CreatedAt: s.now(),
	}
	if err := s.save(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to record export job")
	}

	details := models.AuditDetails{Kind: models.DetailExport, Extra: map[string]interface{}{"format": string(req.Format)}}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: exportJobType}); err != nil {
		s.fail(ctx, job, "failed to enqueue export")
		s.audit.Record(ctx, meta.Entry(models.AuditActionExportRequest, models.ResourceExport, &job.ID, models.AuditStatusError, details))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export")
	}
	s.audit.Record(ctx, meta.Entry(models.AuditActionExportRequest, models.ResourceExport, &job.ID, models.AuditStatusSuccess, details))
	return job, nil
}

// GetJob returns the current state of an export job. Non-admin callers only see their own jobs.
func (s *ExportService) GetJob(ctx context.Context, id, actorID string, admin bool) (*models.ExportJob, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && job.CreatedBy != actorID {
		return nil, appErrors.ErrNotFound
	}
	return job, nil
}

// Process is the queue handler: it renders the export and stores the signed result URL on the job.
func (s *ExportService) Process(ctx context.Context, qj jobs.Job) error {
	if qj.Type != exportJobType {
		return nil
	}
	job, err := s.load(ctx, qj.ID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			s.logger.Warn("export job vanished", zap.String("job_id", qj.ID))
			return nil
		}
		return err
	}
	if job.Status == models.ExportStatusFinished {
		return nil
	}

	job.Status = models.ExportStatusProcessing
	if err := s.save(ctx, job); err != nil {
		return err
	}

	url, err := s.generate(ctx, job)
	if err != nil {
		// retried by the queue; OnGiveUp marks the job failed
		s.logger.Warn("export generation failed", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}

	finished := s.now()
	job.Status = models.ExportStatusFinished
	job.ResultURL = &url
	job.ErrorMessage = nil
	job.FinishedAt = &finished
	return s.save(ctx, job)
}

// GiveUp marks a job failed once the queue has exhausted its retries.
func (s *ExportService) GiveUp(ctx context.Context, qj jobs.Job, cause error) {
	job, err := s.load(ctx, qj.ID)
	if err != nil {
		s.logger.Error("failed to load export job after retries", zap.String("job_id", qj.ID), zap.Error(err))
		return
	}
	msg := "export failed"
	if cause != nil {
		msg = cause.Error()
	}
	s.fail(ctx, job, msg)
}

// ResolveDownload validates a signed token and opens the stored file.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ExportStatusFinished {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "export not finished")
	}
	file, err := s.files.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export")
	}
	return &ExportDownload{
		File:      file,
		Filename:  relPath,
		Format:    job.Format,
		ExpiresAt: expiresAt,
	}, nil
}

// Cleanup removes rendered files older than the configured file TTL.
func (s *ExportService) Cleanup(ctx context.Context) ([]string, error) {
	removed, err := s.files.CleanupOlderThan(s.cfg.FileTTL)
	if err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		s.logger.Info("removed expired exports", zap.Int("count", len(removed)))
	}
	return removed, nil
}

func (s *ExportService) generate(ctx context.Context, job *models.ExportJob) (string, error) {
	filter := models.AccessEventFilter{
		SubjectID: job.SubjectID,
		ServiceID: job.ServiceID,
		From:      job.From,
		To:        job.To,
		SortOrder: "asc",
	}
	events, err := s.events.Export(ctx, filter, maxExportRows)
	if err != nil {
		return "", err
	}

	data := accessEventDataset(events, job)
	var payload []byte
	switch job.Format {
	case models.ExportFormatCSV:
		payload, err = s.csv.Render(data)
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(data)
	default:
		err = fmt.Errorf("unsupported format %s", job.Format)
	}
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("access_events_%s_%s.%s", job.CreatedAt.Format("20060102_150405"), job.ID[:8], job.Format)
	relPath, err := s.files.Save(name, payload)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), exportPathSegment, token), nil
}

func accessEventDataset(events []models.AccessEvent, job *models.ExportJob) export.Dataset {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		confidence := ""
		if e.ConfidenceScore != nil {
			confidence = strconv.FormatFloat(*e.ConfidenceScore, 'f', 2, 64)
		}
		rows = append(rows, []string{
			e.CreatedAt.UTC().Format(exportTimeLayout),
			derefString(e.SubjectID),
			derefString(e.ServiceID),
			string(e.Method),
			string(e.Status),
			confidence,
			derefString(e.Reason),
			derefString(e.Location),
			derefString(e.DeviceID),
		})
	}
	title := "Access events"
	if job.From != nil || job.To != nil {
		title = fmt.Sprintf("Access events %s to %s", formatBound(job.From), formatBound(job.To))
	}
	return export.Dataset{
		Title:   title,
		Headers: []string{"Time (UTC)", "Subject", "Service", "Method", "Status", "Confidence", "Reason", "Location", "Device"},
		Rows:    rows,
	}
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "..."
	}
	return t.UTC().Format(exportTimeLayout)
}

func derefString(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func (s *ExportService) fail(ctx context.Context, job *models.ExportJob, msg string) {
	finished := s.now()
	job.Status = models.ExportStatusFailed
	job.ErrorMessage = &msg
	job.FinishedAt = &finished
	if err := s.save(ctx, job); err != nil {
		s.logger.Error("failed to mark export failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *ExportService) load(ctx context.Context, id string) (*models.ExportJob, error) {
	var job models.ExportJob
	if err := s.store.Get(ctx, fmt.Sprintf(exportJobKeyFmt, id), &job); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load export job")
	}
	return &job, nil
}

func (s *ExportService) save(ctx context.Context, job *models.ExportJob) error {
	return s.store.Set(ctx, fmt.Sprintf(exportJobKeyFmt, job.ID), job, s.cfg.JobTTL)
}
