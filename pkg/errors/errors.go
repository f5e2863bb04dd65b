package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/lib/pq"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so clones compare equal to their template.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrRateLimited        = New("RATE_LIMITED", http.StatusTooManyRequests, "too many requests")

	ErrCredentialNotFound = New("CREDENTIAL_NOT_FOUND", http.StatusNotFound, "credential not found")
	ErrSubjectNotFound    = New("SUBJECT_NOT_FOUND", http.StatusNotFound, "subject not found")
	ErrSessionNotFound    = New("SESSION_NOT_FOUND", http.StatusNotFound, "no open occupancy session")
	ErrServiceNotFound    = New("SERVICE_NOT_FOUND", http.StatusNotFound, "service not found")

	ErrSubjectInactive  = New("SUBJECT_INACTIVE", http.StatusForbidden, "subject is inactive or suspended")
	ErrServiceInactive  = New("SERVICE_INACTIVE", http.StatusForbidden, "service is inactive")
	ErrCapacityExceeded = New("CAPACITY_EXCEEDED", http.StatusForbidden, "service is at capacity")
	ErrDuplicateEntry   = New("DUPLICATE_ENTRY", http.StatusForbidden, "subject is already inside this service")
	ErrLowQuality       = New("LOW_QUALITY_CAPTURE", http.StatusUnprocessableEntity, "capture quality below minimum")
	ErrLivenessFailed   = New("LIVENESS_FAILED", http.StatusUnprocessableEntity, "capture failed liveness check")
	ErrNoFaceDetected   = New("NO_FACE_DETECTED", http.StatusUnprocessableEntity, "no face detected in capture")

	ErrCrypto               = New("CRYPTO_ERROR", http.StatusInternalServerError, "encryption subsystem failure")
	ErrTemplateCorrupt      = New("TEMPLATE_CORRUPT", http.StatusInternalServerError, "stored biometric template is corrupt")
	ErrStoreUnavailable     = New("STORE_UNAVAILABLE", http.StatusServiceUnavailable, "data store temporarily unavailable")
	ErrEmbeddingUnavailable = New("EMBEDDING_UNAVAILABLE", http.StatusBadGateway, "embedding service unavailable")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsTransient reports whether err is a retryable infrastructure failure rather than a business outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator intervention
		case "08", "53", "57":
			return true
		}
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Transient wraps err as ErrStoreUnavailable when it is retryable, otherwise as an internal error.
func Transient(err error, message string) *Error {
	if IsTransient(err) {
		return Wrap(err, ErrStoreUnavailable.Code, ErrStoreUnavailable.Status, ErrStoreUnavailable.Message)
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, message)
}
