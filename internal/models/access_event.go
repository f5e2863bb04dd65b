package models

import "time"

// VerificationMethod tags how a subject was identified.
type VerificationMethod string

const (
	MethodQR         VerificationMethod = "QR"
	MethodExternalID VerificationMethod = "EXTERNAL_ID"
	MethodDirectID   VerificationMethod = "DIRECT_ID"
	MethodBiometric  VerificationMethod = "BIOMETRIC"
	MethodCombined   VerificationMethod = "COMBINED"
)

// VerificationStatus is the terminal outcome of a verification attempt.
type VerificationStatus string

const (
	VerificationSuccess   VerificationStatus = "SUCCESS"
	VerificationFailed    VerificationStatus = "FAILED"
	VerificationPartial   VerificationStatus = "PARTIAL"
	VerificationNotFound  VerificationStatus = "NOT_FOUND"
	VerificationForbidden VerificationStatus = "FORBIDDEN"
	VerificationError     VerificationStatus = "ERROR"
)

// Valid returns true when the status is a supported value.
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationSuccess, VerificationFailed, VerificationPartial, VerificationNotFound, VerificationForbidden, VerificationError:
		return true
	default:
		return false
	}
}

// AccessEvent is the immutable record of one verification attempt.
type AccessEvent struct {
	ID              string             `db:"id" json:"id"`
	SubjectID       *string            `db:"subject_id" json:"subject_id,omitempty"`
	ServiceID       *string            `db:"service_id" json:"service_id,omitempty"`
	Method          VerificationMethod `db:"method" json:"method"`
	Status          VerificationStatus `db:"status" json:"status"`
	ConfidenceScore *float64           `db:"confidence_score" json:"confidence_score,omitempty"`
	Reason          *string            `db:"reason" json:"reason,omitempty"`
	Location        *string            `db:"location" json:"location,omitempty"`
	DeviceID        *string            `db:"device_id" json:"device_id,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
}

// AccessEventFilter scopes access event listing queries.
type AccessEventFilter struct {
	SubjectID string
	ServiceID string
	Status    *VerificationStatus
	Method    *VerificationMethod
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
	SortOrder string
}

// AccessStatsRow is one aggregate bucket.
type AccessStatsRow struct {
	Status VerificationStatus `db:"status" json:"status"`
	Method VerificationMethod `db:"method" json:"method"`
	Count  int                `db:"count" json:"count"`
}

// AccessStats summarises attempts inside a time window.
type AccessStats struct {
	From     time.Time                  `json:"from"`
	To       time.Time                  `json:"to"`
	Total    int                        `json:"total"`
	ByStatus map[VerificationStatus]int `json:"by_status"`
	ByMethod map[VerificationMethod]int `json:"by_method"`
}
