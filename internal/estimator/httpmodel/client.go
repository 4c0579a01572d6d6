// Package httpmodel calls a remote model server for probabilities.
package httpmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"threatscope/pkg/models"
)

// Config configures the remote estimator.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Client posts feature vectors to a model endpoint.
//
// Request: {"feature_names": [...], "features": [...]}
// Response: {"probability": 0.93}
type Client struct {
	url     string
	headers map[string]string
	client  *http.Client
}

type request struct {
	FeatureNames []string  `json:"feature_names"`
	Features     []float64 `json:"features"`
}

type response struct {
	Probability *float64 `json:"probability"`
}

// New creates a remote estimator.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("model URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// PredictProbability implements scoring.Estimator.
func (c *Client) PredictProbability(ctx context.Context, fv models.FeatureVector) (float64, error) {
	vals := fv.Values()
	body, err := json.Marshal(request{FeatureNames: models.FeatureNames[:], Features: vals[:]})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode model response: %w", err)
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("model response missing probability")
	}
	return *out.Probability, nil
}
