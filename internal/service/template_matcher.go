package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/noah-isme/sma-gate-api/internal/models"
	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

// TemplatePayloadVersion is the plaintext layout version sealed into template slots.
const TemplatePayloadVersion = 1

// Decrypter opens sealed template blobs.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// MatcherConfig holds the acceptance policy.
type MatcherConfig struct {
	Threshold       float64
	StrictThreshold float64
	MinQuality      float64
}

// MatchOptions select the verification profile.
type MatchOptions struct {
	Strict bool
}

// TemplateMatcher compares a live capture with a stored encrypted template. It has no store access.
type TemplateMatcher struct {
	vault Decrypter
	cfg   MatcherConfig
}

// NewTemplateMatcher constructs a TemplateMatcher.
func NewTemplateMatcher(vault Decrypter, cfg MatcherConfig) *TemplateMatcher {
	if cfg.Threshold <= 0 || cfg.Threshold >= 100 {
		cfg.Threshold = 75
	}
	if cfg.StrictThreshold <= cfg.Threshold || cfg.StrictThreshold >= 100 {
		cfg.StrictThreshold = math.Min(99, cfg.Threshold+13)
	}
	if cfg.MinQuality < 0 {
		cfg.MinQuality = 0
	}
	return &TemplateMatcher{vault: vault, cfg: cfg}
}

// Threshold returns the acceptance threshold of the profile.
func (m *TemplateMatcher) Threshold(strict bool) float64 {
	if strict {
		return m.cfg.StrictThreshold
	}
	return m.cfg.Threshold
}

// MinQuality returns the minimum capture quality accepted.
func (m *TemplateMatcher) MinQuality() float64 {
	return m.cfg.MinQuality
}

// Match returns a verdict. A missing template or capture, or a capture whose dimension differs from the
// template, yields verified=false without error; a template that cannot be decrypted or parsed yields
// ErrTemplateCorrupt.
func (m *TemplateMatcher) Match(capture *models.Capture, stored []byte, opts MatchOptions) (*models.MatchResult, error) {
	threshold := m.Threshold(opts.Strict)
	result := &models.MatchResult{Threshold: threshold}

	if len(stored) == 0 {
		result.Details = "no biometric template enrolled for this modality"
		return result, nil
	}
	if capture == nil || len(capture.Vector) == 0 {
		result.Details = "no live capture supplied"
		return result, nil
	}

	reference, err := m.open(stored)
	if err != nil {
		return nil, err
	}

	result.QualityScore = capture.QualityScore
	if !capture.IsLive {
		result.Details = "liveness check failed"
		return result, nil
	}
	result.LivenessCheck = true

	if capture.QualityScore < m.cfg.MinQuality {
		result.LowQuality = true
		result.Details = fmt.Sprintf("capture quality %.1f below minimum %.1f", capture.QualityScore, m.cfg.MinQuality)
		return result, nil
	}

	// the stored template decrypted fine, so a length difference is a bad capture, not corruption
	if len(reference) != len(capture.Vector) {
		result.Details = fmt.Sprintf("capture dimension mismatch: template %d, capture %d", len(reference), len(capture.Vector))
		return result, nil
	}

	score := similarityScore(reference, capture.Vector)
	result.MatchScore = score
	result.Confidence = confidence(score, threshold)
	result.Verified = score >= threshold
	if result.Verified {
		result.Details = "match"
	} else {
		result.Details = "match score below threshold"
	}
	return result, nil
}

func (m *TemplateMatcher) open(stored []byte) ([]float32, error) {
	if m.vault == nil {
		return nil, appErrors.Clone(appErrors.ErrCrypto, "template vault not configured")
	}
	plaintext, err := m.vault.Decrypt(stored)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTemplateCorrupt.Code, appErrors.ErrTemplateCorrupt.Status, appErrors.ErrTemplateCorrupt.Message)
	}
	var payload models.TemplatePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTemplateCorrupt.Code, appErrors.ErrTemplateCorrupt.Status, appErrors.ErrTemplateCorrupt.Message)
	}
	if payload.Version != TemplatePayloadVersion || len(payload.Vector) == 0 {
		return nil, appErrors.Wrap(errors.New("unsupported template payload"), appErrors.ErrTemplateCorrupt.Code, appErrors.ErrTemplateCorrupt.Status, appErrors.ErrTemplateCorrupt.Message)
	}
	return payload.Vector, nil
}

// EncodeTemplate serialises an embedding into the sealed plaintext layout.
func EncodeTemplate(vector []float32) ([]byte, error) {
	return json.Marshal(models.TemplatePayload{Version: TemplatePayloadVersion, Vector: vector})
}

// similarityScore maps cosine similarity onto 0..100; negative similarity scores 0.
func similarityScore(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return clamp(cos*100, 0, 100)
}

// confidence is 50 at the threshold and scales linearly to 0 and 100 at the extremes.
func confidence(score, threshold float64) float64 {
	var c float64
	if score >= threshold {
		c = 50 + 50*(score-threshold)/(100-threshold)
	} else {
		c = 50 * score / threshold
	}
	return math.Round(clamp(c, 0, 100)*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
