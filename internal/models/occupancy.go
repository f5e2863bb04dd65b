package models

import "time"

// Service is a gated facility (library, exam hall, hostel, lecture room).
type Service struct {
	ID                 string    `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Type               string    `db:"type" json:"type"`
	Active             bool      `db:"active" json:"active"`
	MaxCapacity        *int      `db:"max_capacity" json:"max_capacity,omitempty"`
	AllowMultipleEntry bool      `db:"allow_multiple_entry" json:"allow_multiple_entry"`
	CurrentOccupancy   int       `db:"current_occupancy" json:"current_occupancy"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// AtCapacity reports whether a configured capacity has been reached.
func (s *Service) AtCapacity() bool {
	return s != nil && s.MaxCapacity != nil && s.CurrentOccupancy >= *s.MaxCapacity
}

// OccupancySession is one entry-to-exit interval. A nil ExitTime means the subject is inside.
type OccupancySession struct {
	ID          string             `db:"id" json:"id"`
	SubjectID   string             `db:"subject_id" json:"subject_id"`
	ServiceID   string             `db:"service_id" json:"service_id"`
	EntryTime   time.Time          `db:"entry_time" json:"entry_time"`
	ExitTime    *time.Time         `db:"exit_time" json:"exit_time,omitempty"`
	Method      VerificationMethod `db:"method" json:"method"`
	SingleEntry bool               `db:"single_entry" json:"-"`
}

// Duration returns exit - entry for closed sessions.
func (s *OccupancySession) Duration() time.Duration {
	if s == nil || s.ExitTime == nil {
		return 0
	}
	return s.ExitTime.Sub(s.EntryTime)
}

// OccupancyAction is the transition requested alongside a verification.
type OccupancyAction string

const (
	OccupancyActionNone  OccupancyAction = ""
	OccupancyActionEntry OccupancyAction = "entry"
	OccupancyActionExit  OccupancyAction = "exit"
)

// EntryResult is returned after a successful entry.
type EntryResult struct {
	Session          OccupancySession `json:"session"`
	CurrentOccupancy int              `json:"current_occupancy"`
}

// ExitResult is returned after a successful exit.
type ExitResult struct {
	Session          OccupancySession `json:"session"`
	CurrentOccupancy int              `json:"current_occupancy"`
	DurationSeconds  int64            `json:"duration_seconds"`
	CounterDrift     bool             `json:"counter_drift,omitempty"`
}

// ReconcileResult reports the recomputation of a service's occupancy counter.
type ReconcileResult struct {
	ServiceID string `db:"service_id" json:"service_id"`
	Previous  int    `db:"previous" json:"previous"`
	Actual    int    `db:"actual" json:"actual"`
	Drift     int    `json:"drift"`
}

// OccupancySnapshot is the read model of a service's current occupancy.
type OccupancySnapshot struct {
	Service      Service `json:"service"`
	OpenSessions int     `json:"open_sessions"`
	Consistent   bool    `json:"consistent"`
}
