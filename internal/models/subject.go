package models

import "time"

// Subject is a registered identity (student) owned by the identity store.
type Subject struct {
	ID              string    `db:"id" json:"id"`
	MatricNumber    string    `db:"matric_number" json:"matric_number"`
	FullName        string    `db:"full_name" json:"full_name"`
	Active          bool      `db:"active" json:"active"`
	Suspended       bool      `db:"suspended" json:"suspended"`
	SuspendedReason *string   `db:"suspended_reason" json:"suspended_reason,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether the subject may be granted access.
func (s *Subject) Eligible() bool {
	return s != nil && s.Active && !s.Suspended
}
