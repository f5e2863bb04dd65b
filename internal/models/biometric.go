package models

import "time"

// Modality identifies a biometric template slot.
type Modality string

const (
	ModalityFacial      Modality = "FACIAL"
	ModalityFingerprint Modality = "FINGERPRINT"
)

// Valid returns true for supported modalities.
func (m Modality) Valid() bool {
	return m == ModalityFacial || m == ModalityFingerprint
}

// BiometricTemplate holds the encrypted template slots of a subject. A nil slot means not enrolled.
type BiometricTemplate struct {
	SubjectID           string    `db:"subject_id" json:"subject_id"`
	FacialTemplate      []byte    `db:"facial_template" json:"-"`
	FingerprintTemplate []byte    `db:"fingerprint_template" json:"-"`
	FacialQuality       *float64  `db:"facial_quality" json:"facial_quality,omitempty"`
	FingerprintQuality  *float64  `db:"fingerprint_quality" json:"fingerprint_quality,omitempty"`
	EnrolledAt          time.Time `db:"enrolled_at" json:"enrolled_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Slot returns the ciphertext stored for the modality.
func (t *BiometricTemplate) Slot(m Modality) []byte {
	if t == nil {
		return nil
	}
	switch m {
	case ModalityFacial:
		return t.FacialTemplate
	case ModalityFingerprint:
		return t.FingerprintTemplate
	default:
		return nil
	}
}

// TemplatePayload is the plaintext layout sealed inside a template slot.
type TemplatePayload struct {
	Version int       `json:"version"`
	Vector  []float32 `json:"vector"`
}

// Capture is the output of the external embedding function for a live presentation.
type Capture struct {
	Vector       []float32 `json:"vector" validate:"required,min=1"`
	QualityScore float64   `json:"quality_score" validate:"gte=0,lte=100"`
	IsLive       bool      `json:"is_live"`
}

// MatchResult is the structured verdict of a template comparison.
type MatchResult struct {
	Verified      bool    `json:"verified"`
	MatchScore    float64 `json:"match_score"`
	Confidence    float64 `json:"confidence"`
	QualityScore  float64 `json:"quality_score"`
	LivenessCheck bool    `json:"liveness_check"`
	LowQuality    bool    `json:"low_quality,omitempty"`
	Threshold     float64 `json:"threshold"`
	Details       string  `json:"details"`
}

// BiometricStatus summarises enrolled slots without exposing ciphertext.
type BiometricStatus struct {
	SubjectID           string     `json:"subject_id"`
	FacialEnrolled      bool       `json:"facial_enrolled"`
	FingerprintEnrolled bool       `json:"fingerprint_enrolled"`
	FacialQuality       *float64   `json:"facial_quality,omitempty"`
	FingerprintQuality  *float64   `json:"fingerprint_quality,omitempty"`
	EnrolledAt          *time.Time `json:"enrolled_at,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

// CaptureInput is a live presentation supplied either as a precomputed embedding or as an image for the
// embedding service.
type CaptureInput struct {
	Embedding   *Capture `json:"embedding,omitempty"`
	ImageURL    string   `json:"image_url,omitempty" validate:"omitempty,url"`
	ImageBase64 string   `json:"image_base64,omitempty" validate:"omitempty,base64"`
}

// Empty reports whether no capture was supplied.
func (c *CaptureInput) Empty() bool {
	return c == nil || (c.Embedding == nil && c.ImageURL == "" && c.ImageBase64 == "")
}
