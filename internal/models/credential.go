package models

import "time"

// Credential is a time-boxed QR token bound to a subject.
type Credential struct {
	ID         string     `db:"id" json:"id"`
	SubjectID  string     `db:"subject_id" json:"subject_id"`
	Code       string     `db:"code" json:"code"`
	Active     bool       `db:"active" json:"active"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	UsageCount int64      `db:"usage_count" json:"usage_count"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ValidAt reports whether the credential is active and unexpired at now.
func (c *Credential) ValidAt(now time.Time) bool {
	return c != nil && c.Active && now.Before(c.ExpiresAt)
}
