package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoFace is returned when the service answers but finds nothing to embed in the image.
var ErrNoFace = errors.New("no face detected in image")

// Result is the output of the external embed(image) function.
type Result struct {
	Vector       []float32 `json:"vector"`
	QualityScore float64   `json:"quality_score"`
	IsLive       bool      `json:"is_live"`
}

// Image references a capture either by URL or by raw bytes.
type Image struct {
	URL  string
	Data []byte
}

// Client calls the face/fingerprint embedding microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Embed returns the embedding, quality score (0-100) and liveness verdict for an image.
func (c *Client) Embed(ctx context.Context, img Image) (*Result, error) {
	if img.URL == "" && len(img.Data) == 0 {
		return nil, fmt.Errorf("image url or data required")
	}
	if c.Skip {
		return &Result{
			Vector:       []float32{0.1, 0.2, 0.3, 0.4},
			QualityScore: 85,
			IsLive:       true,
		}, nil
	}

	payload := map[string]string{}
	if img.URL != "" {
		payload["image_url"] = img.URL
	} else {
		payload["image_base64"] = base64.StdEncoding.EncodeToString(img.Data)
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
		Quality   *struct {
			Score float64 `json:"score"`
		} `json:"quality"`
		Liveness *struct {
			IsLive bool `json:"is_live"`
		} `json:"liveness"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}

	result := &Result{Vector: out.Embedding}
	if out.Quality != nil {
		result.QualityScore = normaliseScore(out.Quality.Score)
	}
	if out.Liveness != nil {
		result.IsLive = out.Liveness.IsLive
	}
	return result, nil
}

// Health checks if the embedding service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("embedding service unhealthy: %s", resp.Status)
	}

	return nil
}

// the service reports quality either as 0-1 or as 0-100
func normaliseScore(score float64) float64 {
	if score <= 1 {
		score *= 100
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
