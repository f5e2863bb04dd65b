package service

import (
	"bytes"
	"context"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/internal/models"
	"github.com/noah-isme/sma-gate-api/internal/repository"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type credentialFixture struct {
	svc   *CredentialService
	repo  *memCredentialRepo
	audit *recordingAudit
	clock *fixedClock
}

func newCredentialFixture(subjects ...*models.Subject) credentialFixture {
	repo := newMemCredentialRepo()
	audit := &recordingAudit{}
	clock := &fixedClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewCredentialService(repo, newFakeSubjects(subjects...), audit, nil, CredentialConfig{TTL: 5 * time.Minute, BaseURL: "https://gate.example/v/"}, nil)
	svc.now = clock.now
	return credentialFixture{svc: svc, repo: repo, audit: audit, clock: clock}
}

func TestIssueValidateAndUse(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "u2024/001"))
	ctx := context.Background()

	cred, err := f.svc.Issue(ctx, "s1", 24*time.Hour, models.SystemRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.Code, "U2024001-"))
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, cred.Code)
	assert.Equal(t, f.clock.t.Add(24*time.Hour), cred.ExpiresAt)

	got, err := f.svc.Validate(ctx, cred.Code)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	fromURL, err := f.svc.Validate(ctx, "https://gate.example/v/"+cred.Code)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, fromURL.ID)

	count, err := f.svc.RecordUsage(ctx, cred.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	assert.Equal(t, []string{"CREDENTIAL_ISSUE:SUCCESS"}, f.audit.actions())
	detail := f.audit.last().Details.Credential
	require.NotNil(t, detail)
	assert.Len(t, detail.CodePrefix, auditedCodePrefix)
}

func TestValidateRejectsExpiredUnknownMalformed(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	ctx := context.Background()
	cred, err := f.svc.Issue(ctx, "s1", time.Minute, models.SystemRequest())
	require.NoError(t, err)

	for _, raw := range []string{"", "   ", "bad code!", "UNKNOWN-abc", strings.Repeat("a", 200)} {
		_, err := f.svc.Validate(ctx, raw)
		assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound, raw)
	}

	f.clock.advance(time.Minute)
	_, err = f.svc.Validate(ctx, cred.Code)
	assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound)
}

func TestRefreshInvalidatesPreviousCode(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, "s1", 0, models.SystemRequest())
	require.NoError(t, err)
	second, err := f.svc.Refresh(ctx, "s1", models.SystemRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, second.Code)

	_, err = f.svc.Validate(ctx, first.Code)
	assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound)
	_, err = f.svc.Validate(ctx, second.Code)
	assert.NoError(t, err)

	assert.Equal(t, []string{"CREDENTIAL_ISSUE:SUCCESS", "CREDENTIAL_REFRESH:SUCCESS"}, f.audit.actions())
	assert.EqualValues(t, 1, f.audit.last().Details.Credential.Deactivated)
}

func TestIssueRejectsIneligibleSubject(t *testing.T) {
	suspended := activeSubject("s2", "B2")
	suspended.Suspended = true
	f := newCredentialFixture(suspended)

	_, err := f.svc.Issue(context.Background(), "s2", 0, models.SystemRequest())
	assert.ErrorIs(t, err, appErrors.ErrSubjectInactive)
	assert.Equal(t, []string{"CREDENTIAL_ISSUE:DENIED"}, f.audit.actions())

	_, err = f.svc.Issue(context.Background(), "missing", 0, models.SystemRequest())
	assert.ErrorIs(t, err, appErrors.ErrSubjectNotFound)
}

func TestIssueRetriesCodeCollision(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	f.repo.createErr = []error{repository.ErrDuplicateCode, repository.ErrDuplicateCode}

	cred, err := f.svc.Issue(context.Background(), "s1", 0, models.SystemRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, cred.ID)

	f.repo.createErr = []error{repository.ErrDuplicateCode, repository.ErrDuplicateCode, repository.ErrDuplicateCode}
	_, err = f.svc.Issue(context.Background(), "s1", 0, models.SystemRequest())
	assert.ErrorIs(t, err, appErrors.ErrConflict)
}

func TestIssueCodesAreUnique(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		cred, err := f.svc.Issue(context.Background(), "s1", 0, models.SystemRequest())
		require.NoError(t, err)
		assert.False(t, seen[cred.Code])
		seen[cred.Code] = true
	}
}

func TestRecordUsageIsMonotonicUnderConcurrency(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	cred, err := f.svc.Issue(context.Background(), "s1", 0, models.SystemRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Consume(context.Background(), cred.Code)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.repo.FindByCode(context.Background(), cred.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 50, stored.UsageCount)
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	ctx := context.Background()
	cred, err := f.svc.Issue(ctx, "s1", 0, models.SystemRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, cred.Code, models.SystemRequest()))
	require.NoError(t, f.svc.Revoke(ctx, cred.Code, models.SystemRequest()))
	require.NoError(t, f.svc.Revoke(ctx, "NEVER-issued", models.SystemRequest()))

	_, err = f.svc.Validate(ctx, cred.Code)
	assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound)
	assert.Equal(t, false, f.audit.last().Details.Extra["matched"])
}

func TestCurrentReusesValidCredential(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	ctx := context.Background()

	first, err := f.svc.Current(ctx, "s1", models.SystemRequest())
	require.NoError(t, err)
	again, err := f.svc.Current(ctx, "s1", models.SystemRequest())
	require.NoError(t, err)
	assert.Equal(t, first.Code, again.Code)

	f.clock.advance(10 * time.Minute)
	fresh, err := f.svc.Current(ctx, "s1", models.SystemRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, fresh.Code)
}

func TestValidateTransientStoreError(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	f.repo.err = driver.ErrBadConn

	_, err := f.svc.Validate(context.Background(), "A1-abc")
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
}

func TestRenderQR(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	cred, err := f.svc.Issue(context.Background(), "s1", 0, models.SystemRequest())
	require.NoError(t, err)

	png, err := f.svc.RenderQR(context.Background(), cred.Code, 128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = f.svc.RenderQR(context.Background(), "nope", 128)
	assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound)
}

func TestExtractCode(t *testing.T) {
	cases := map[string]struct {
		code string
		ok   bool
	}{
		"AB-xyz_1":                         {"AB-xyz_1", true},
		"https://gate.example/v/AB-xyz_1":  {"AB-xyz_1", true},
		"https://gate.example/v/AB-xyz_1/": {"AB-xyz_1", true},
		"/v/AB%2Dxyz":                      {"AB-xyz", true},
		"https://gate.example/v/a%20b":     {"", false},
		"https://gate.example/":            {"", false},
		"AB xyz":                           {"", false},
		"%zz":                              {"", false},
	}
	for raw, tc := range cases {
		code, ok := ExtractCode(raw)
		assert.Equal(t, tc.ok, ok, raw)
		assert.Equal(t, tc.code, code, raw)
	}
}

func TestConsumeCountsUsesUntilExpiry(t *testing.T) {
	f := newCredentialFixture(activeSubject("s1", "A1"))
	ctx := context.Background()
	cred, err := f.svc.Issue(ctx, "s1", 5*time.Minute, models.SystemRequest())
	require.NoError(t, err)

	first, err := f.svc.Consume(ctx, cred.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.UsageCount)
	second, err := f.svc.Consume(ctx, cred.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.UsageCount)
	require.NotNil(t, second.LastUsedAt)

	f.clock.advance(6 * time.Minute)
	_, err = f.svc.Consume(ctx, cred.Code)
	assert.ErrorIs(t, err, appErrors.ErrCredentialNotFound)
}
