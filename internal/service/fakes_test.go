package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/repository"
	"github.com/noah-isme/sma-gate-api/pkg/embedding"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry models.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action+":"+e.Status)
	}
	return out
}

func (a *recordingAudit) last() models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

type fakeSubjects struct {
	byID map[string]*models.Subject
	err  error
}

func newFakeSubjects(subjects ...*models.Subject) *fakeSubjects {
	f := &fakeSubjects{byID: map[string]*models.Subject{}}
	for _, s := range subjects {
		f.byID[s.ID] = s
	}
	return f
}

func (f *fakeSubjects) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *s
	return &clone, nil
}

func (f *fakeSubjects) FindByMatric(ctx context.Context, matric string) (*models.Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.byID {
		if strings.EqualFold(s.MatricNumber, strings.TrimSpace(matric)) {
			clone := *s
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func activeSubject(id, matric string) *models.Subject {
	return &models.Subject{ID: id, MatricNumber: matric, FullName: "Test " + id, Active: true}
}

type memCredentialRepo struct {
	mu        sync.Mutex
	seq       int
	byCode    map[string]*models.Credential
	createErr []error
	err       error
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{byCode: map[string]*models.Credential{}}
}

func (r *memCredentialRepo) Create(ctx context.Context, c *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.createErr) > 0 {
		err := r.createErr[0]
		r.createErr = r.createErr[1:]
		if err != nil {
			return err
		}
	}
	r.seq++
	c.ID = fmt.Sprintf("cred-%d", r.seq)
	clone := *c
	r.byCode[c.Code] = &clone
	return nil
}

func (r *memCredentialRepo) FindByCode(ctx context.Context, code string) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.byCode[code]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *c
	return &clone, nil
}

func (r *memCredentialRepo) FindCurrent(ctx context.Context, subjectID string, now time.Time) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byCode {
		if c.SubjectID == subjectID && c.ValidAt(now) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memCredentialRepo) ListBySubject(ctx context.Context, subjectID string, limit int) ([]models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Credential
	for _, c := range r.byCode {
		if c.SubjectID == subjectID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memCredentialRepo) DeactivateAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.byCode {
		if c.SubjectID == subjectID && c.Active {
			c.Active = false
			n++
		}
	}
	return n, nil
}

func (r *memCredentialRepo) Deactivate(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCode[code]
	if !ok {
		return false, nil
	}
	c.Active = false
	return true, nil
}

func (r *memCredentialRepo) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	for _, c := range r.byCode {
		if c.ID == id {
			c.UsageCount++
			t := usedAt
			c.LastUsedAt = &t
			return c.UsageCount, nil
		}
	}
	return 0, sql.ErrNoRows
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type memBiometricRepo struct {
	mu        sync.Mutex
	templates map[string]*models.BiometricTemplate
	err       error
}

func newMemBiometricRepo() *memBiometricRepo {
	return &memBiometricRepo{templates: map[string]*models.BiometricTemplate{}}
}

func (r *memBiometricRepo) FindBySubject(ctx context.Context, subjectID string) (*models.BiometricTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	tpl, ok := r.templates[subjectID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *tpl
	return &clone, nil
}

func (r *memBiometricRepo) UpsertSlot(ctx context.Context, subjectID string, modality models.Modality, ciphertext []byte, quality float64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	tpl, ok := r.templates[subjectID]
	if !ok {
		tpl = &models.BiometricTemplate{SubjectID: subjectID, EnrolledAt: at}
		r.templates[subjectID] = tpl
	}
	q := quality
	replaced := len(tpl.Slot(modality)) > 0
	switch modality {
	case models.ModalityFacial:
		tpl.FacialTemplate, tpl.FacialQuality = ciphertext, &q
	case models.ModalityFingerprint:
		tpl.FingerprintTemplate, tpl.FingerprintQuality = ciphertext, &q
	}
	tpl.UpdatedAt = at
	return replaced, nil
}

type stubEmbedder struct {
	result *embedding.Result
	err    error
	calls  int
}

func (e *stubEmbedder) Embed(ctx context.Context, img embedding.Image) (*embedding.Result, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

// memOccupancyRepo mirrors the transactional rules of the SQL repository.
type memOccupancyRepo struct {
	mu       sync.Mutex
	seq      int
	services map[string]*models.Service
	sessions []*models.OccupancySession
	err      error
}

func newMemOccupancyRepo(services ...*models.Service) *memOccupancyRepo {
	r := &memOccupancyRepo{services: map[string]*models.Service{}}
	for _, s := range services {
		r.services[s.ID] = s
	}
	return r
}

func (r *memOccupancyRepo) FindService(ctx context.Context, id string) (*models.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *svc
	return &clone, nil
}

func (r *memOccupancyRepo) ListServiceIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *memOccupancyRepo) CountOpenSessions(ctx context.Context, serviceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCount(serviceID), nil
}

func (r *memOccupancyRepo) openCount(serviceID string) int {
	n := 0
	for _, s := range r.sessions {
		if s.ServiceID == serviceID && s.ExitTime == nil {
			n++
		}
	}
	return n
}

func (r *memOccupancyRepo) Enter(ctx context.Context, subjectID, serviceID string, method models.VerificationMethod, at time.Time) (*models.EntryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	svc, ok := r.services[serviceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if !svc.Active {
		return nil, repository.ErrServiceInactive
	}
	if svc.AtCapacity() {
		return nil, repository.ErrServiceFull
	}
	if !svc.AllowMultipleEntry {
		for _, s := range r.sessions {
			if s.SubjectID == subjectID && s.ServiceID == serviceID && s.ExitTime == nil {
				return nil, repository.ErrAlreadyInside
			}
		}
	}
	r.seq++
	session := &models.OccupancySession{
		ID:          fmt.Sprintf("sess-%d", r.seq),
		SubjectID:   subjectID,
		ServiceID:   serviceID,
		EntryTime:   at,
		Method:      method,
		SingleEntry: !svc.AllowMultipleEntry,
	}
	r.sessions = append(r.sessions, session)
	svc.CurrentOccupancy++
	return &models.EntryResult{Session: *session, CurrentOccupancy: svc.CurrentOccupancy}, nil
}

func (r *memOccupancyRepo) Exit(ctx context.Context, target repository.ExitTarget, at time.Time) (*models.ExitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var open *models.OccupancySession
	for _, s := range r.sessions {
		if s.ExitTime != nil {
			continue
		}
		if (target.SessionID != "" && s.ID == target.SessionID) ||
			(target.SessionID == "" && s.SubjectID == target.SubjectID && s.ServiceID == target.ServiceID) {
			open = s
			break
		}
	}
	if open == nil {
		return nil, sql.ErrNoRows
	}
	exit := at
	open.ExitTime = &exit
	result := &models.ExitResult{Session: *open, DurationSeconds: int64(at.Sub(open.EntryTime).Seconds())}
	svc := r.services[open.ServiceID]
	if svc.CurrentOccupancy > 0 {
		svc.CurrentOccupancy--
	} else {
		result.CounterDrift = true
	}
	result.CurrentOccupancy = svc.CurrentOccupancy
	return result, nil
}

func (r *memOccupancyRepo) Reconcile(ctx context.Context, serviceID string, at time.Time) (*models.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	actual := r.openCount(serviceID)
	res := &models.ReconcileResult{ServiceID: serviceID, Previous: svc.CurrentOccupancy, Actual: actual, Drift: svc.CurrentOccupancy - actual}
	svc.CurrentOccupancy = actual
	return res, nil
}

func intPtr(v int) *int { return &v }

type recordingEvents struct {
	mu     sync.Mutex
	seq    int
	events []*models.AccessEvent
	err    error
}

func (r *recordingEvents) Append(ctx context.Context, event *models.AccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seq++
	event.ID = fmt.Sprintf("evt-%d", r.seq)
	r.events = append(r.events, event)
	return nil
}

type failingAuditRepo struct {
	err error
}

func (r *failingAuditRepo) Create(ctx context.Context, log *models.AuditLog) error { return r.err }

func (r *failingAuditRepo) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, int, error) {
	return nil, 0, r.err
}
