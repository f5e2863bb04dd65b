package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction constants represent actions to be logged.
const (
	AuditActionVerify             = "VERIFY"
	AuditActionCredentialIssue    = "CREDENTIAL_ISSUE"
	AuditActionCredentialRefresh  = "CREDENTIAL_REFRESH"
	AuditActionCredentialRevoke   = "CREDENTIAL_REVOKE"
	AuditActionTemplateEnroll     = "TEMPLATE_ENROLL"
	AuditActionOccupancyEntry     = "OCCUPANCY_ENTRY"
	AuditActionOccupancyExit      = "OCCUPANCY_EXIT"
	AuditActionOccupancyReconcile = "OCCUPANCY_RECONCILE"
	AuditActionExportRequest      = "EXPORT_REQUEST"
)

// Audit resource types.
const (
	ResourceSubject    = "subject"
	ResourceCredential = "credential"
	ResourceTemplate   = "biometric_template"
	ResourceService    = "service"
	ResourceSession    = "occupancy_session"
	ResourceExport     = "export"
)

// Audit statuses.
const (
	AuditStatusSuccess = "SUCCESS"
	AuditStatusFailed  = "FAILED"
	AuditStatusDenied  = "DENIED"
	AuditStatusError   = "ERROR"
)

// Actor types.
const (
	ActorTypeUser    = "USER"
	ActorTypeSubject = "SUBJECT"
	ActorTypeDevice  = "DEVICE"
	ActorTypeSystem  = "SYSTEM"
)

// Actor identifies who performed an audited action.
type Actor struct {
	Type string
	ID   *string
}

// SystemActor is used by scheduled jobs.
func SystemActor() Actor {
	return Actor{Type: ActorTypeSystem}
}

// RequestMeta carries the caller identity and transport context into audited operations.
type RequestMeta struct {
	Actor     Actor
	IPAddress string
	UserAgent string
}

// SystemRequest is the request meta used by scheduled jobs.
func SystemRequest() RequestMeta {
	return RequestMeta{Actor: SystemActor()}
}

// Entry builds an audit entry attributed to the request's actor.
func (m RequestMeta) Entry(action, resourceType string, resourceID *string, status string, details AuditDetails) AuditEntry {
	return AuditEntry{
		Actor:        m.Actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       status,
		Details:      details,
		IPAddress:    m.IPAddress,
		UserAgent:    m.UserAgent,
	}
}

// AuditLog represents an append-only audit trail record.
type AuditLog struct {
	ID           string       `db:"id" json:"id"`
	ActorType    string       `db:"actor_type" json:"actor_type"`
	ActorID      *string      `db:"actor_id" json:"actor_id,omitempty"`
	Action       string       `db:"action" json:"action"`
	ResourceType string       `db:"resource_type" json:"resource_type"`
	ResourceID   *string      `db:"resource_id" json:"resource_id,omitempty"`
	Status       string       `db:"status" json:"status"`
	Details      AuditDetails `db:"details" json:"details"`
	IPAddress    string       `db:"ip_address" json:"ip_address"`
	UserAgent    string       `db:"user_agent" json:"user_agent"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// AuditEntry is the input to the audit trail recorder.
type AuditEntry struct {
	Actor        Actor
	Action       string
	ResourceType string
	ResourceID   *string
	Status       string
	Details      AuditDetails
	IPAddress    string
	UserAgent    string
}

// AuditFilter captures filtering criteria for listing audit records.
type AuditFilter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	Status       string
	Action       string
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
	SortOrder    string
}

// AuditDetailKind tags which detail shape is populated.
type AuditDetailKind string

const (
	DetailVerification AuditDetailKind = "verification"
	DetailOccupancy    AuditDetailKind = "occupancy"
	DetailCredential   AuditDetailKind = "credential"
	DetailTemplate     AuditDetailKind = "template"
	DetailReconcile    AuditDetailKind = "reconcile"
	DetailExport       AuditDetailKind = "export"
)

// AuditDetails is a tagged union of known detail shapes plus an open extension map.
type AuditDetails struct {
	Kind         AuditDetailKind        `json:"kind,omitempty"`
	Verification *VerificationDetail    `json:"verification,omitempty"`
	Occupancy    *OccupancyDetail       `json:"occupancy,omitempty"`
	Credential   *CredentialDetail      `json:"credential,omitempty"`
	Template     *TemplateDetail        `json:"template,omitempty"`
	Reconcile    *ReconcileResult       `json:"reconcile,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// VerificationDetail describes a verification verdict.
type VerificationDetail struct {
	Method      VerificationMethod `json:"method"`
	Status      VerificationStatus `json:"status"`
	ServiceID   string             `json:"service_id,omitempty"`
	Action      OccupancyAction    `json:"action,omitempty"`
	MatchScore  *float64           `json:"match_score,omitempty"`
	Confidence  *float64           `json:"confidence,omitempty"`
	Liveness    *bool              `json:"liveness,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Strict      bool               `json:"strict,omitempty"`
	BypassedBio bool               `json:"bypassed_biometric,omitempty"`
}

// OccupancyDetail describes an entry/exit transition.
type OccupancyDetail struct {
	ServiceID        string `json:"service_id"`
	SessionID        string `json:"session_id,omitempty"`
	CurrentOccupancy int    `json:"current_occupancy"`
	DurationSeconds  int64  `json:"duration_seconds,omitempty"`
	CounterDrift     bool   `json:"counter_drift,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// CredentialDetail describes a credential lifecycle change. Codes are never logged in full.
type CredentialDetail struct {
	CodePrefix  string     `json:"code_prefix,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Deactivated int64      `json:"deactivated,omitempty"`
}

// TemplateDetail describes a biometric enrollment.
type TemplateDetail struct {
	Modality     Modality `json:"modality"`
	QualityScore float64  `json:"quality_score"`
	Replaced     bool     `json:"replaced"`
}

// Value marshals details to JSON for persistence.
func (d AuditDetails) Value() (driver.Value, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the details struct.
func (d *AuditDetails) Scan(value interface{}) error {
	if value == nil {
		*d = AuditDetails{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for AuditDetails", value)
	}
	if len(data) == 0 {
		*d = AuditDetails{}
		return nil
	}
	if err := json.Unmarshal(data, d); err != nil {
		return fmt.Errorf("unmarshal audit details: %w", err)
	}
	return nil
}
