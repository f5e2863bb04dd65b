package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

// Resolution is the subject claimed by a request, plus the credential that proved the claim when any.
type Resolution struct {
	Subject    *models.Subject
	Credential *models.Credential
	Method     models.VerificationMethod
}

// SubjectResolver is one strategy of the resolution chain. Resolve returns nil, nil on a miss; errors are
// reserved for infrastructure failures.
type SubjectResolver interface {
	Method() models.VerificationMethod
	Applies(req VerifyRequest) bool
	Resolve(ctx context.Context, req VerifyRequest) (*Resolution, error)
}

type subjectFinder interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	FindByMatric(ctx context.Context, matric string) (*models.Subject, error)
}

type credentialConsumer interface {
	Validate(ctx context.Context, raw string) (*models.Credential, error)
	RecordUsage(ctx context.Context, credentialID string) (int64, error)
}

// DefaultResolvers returns the fixed priority order: QR credential, external id, direct id.
func DefaultResolvers(credentials credentialConsumer, subjects subjectFinder) []SubjectResolver {
	return []SubjectResolver{
		&qrResolver{credentials: credentials, subjects: subjects},
		&externalIDResolver{subjects: subjects},
		&directIDResolver{subjects: subjects},
	}
}

type qrResolver struct {
	credentials credentialConsumer
	subjects    subjectFinder
}

func (r *qrResolver) Method() models.VerificationMethod { return models.MethodQR }

func (r *qrResolver) Applies(req VerifyRequest) bool { return strings.TrimSpace(req.QRCode) != "" }

// Resolve consumes the credential on a hit: usage is recorded before any later step can fail, so a
// scanned code stays consumed whatever the biometric outcome.
func (r *qrResolver) Resolve(ctx context.Context, req VerifyRequest) (*Resolution, error) {
	credential, err := r.credentials.Validate(ctx, req.QRCode)
	if err != nil {
		if errors.Is(err, appErrors.ErrCredentialNotFound) {
			return nil, nil
		}
		return nil, err
	}
	count, err := r.credentials.RecordUsage(ctx, credential.ID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCredentialNotFound) {
			return nil, nil
		}
		return nil, err
	}
	credential.UsageCount = count

	subject, err := lookupSubject(ctx, r.subjects.FindByID, credential.SubjectID)
	if err != nil || subject == nil {
		return nil, err
	}
	return &Resolution{Subject: subject, Credential: credential, Method: models.MethodQR}, nil
}

type externalIDResolver struct {
	subjects subjectFinder
}

func (r *externalIDResolver) Method() models.VerificationMethod { return models.MethodExternalID }

func (r *externalIDResolver) Applies(req VerifyRequest) bool {
	return strings.TrimSpace(req.ExternalID) != ""
}

func (r *externalIDResolver) Resolve(ctx context.Context, req VerifyRequest) (*Resolution, error) {
	subject, err := lookupSubject(ctx, r.subjects.FindByMatric, req.ExternalID)
	if err != nil || subject == nil {
		return nil, err
	}
	return &Resolution{Subject: subject, Method: models.MethodExternalID}, nil
}

type directIDResolver struct {
	subjects subjectFinder
}

func (r *directIDResolver) Method() models.VerificationMethod { return models.MethodDirectID }

func (r *directIDResolver) Applies(req VerifyRequest) bool {
	return strings.TrimSpace(req.SubjectID) != ""
}

func (r *directIDResolver) Resolve(ctx context.Context, req VerifyRequest) (*Resolution, error) {
	subject, err := lookupSubject(ctx, r.subjects.FindByID, strings.TrimSpace(req.SubjectID))
	if err != nil || subject == nil {
		return nil, err
	}
	return &Resolution{Subject: subject, Method: models.MethodDirectID}, nil
}

func lookupSubject(ctx context.Context, find func(context.Context, string) (*models.Subject, error), key string) (*models.Subject, error) {
	subject, err := find(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Transient(err, "failed to resolve subject")
	}
	return subject, nil
}
