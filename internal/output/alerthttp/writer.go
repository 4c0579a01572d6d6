package alerthttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"threatscope/pkg/models"
)

// Writer sends alerts and incidents to remote HTTP endpoints as JSON arrays.
type Writer struct {
	alertsURL    string
	incidentsURL string
	headers      map[string]string
	client       *http.Client
}

// Config configures the HTTP writer. An empty URL skips that stream.
type Config struct {
	AlertsURL    string
	IncidentsURL string
	Timeout      time.Duration
	Headers      map[string]string
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.AlertsURL == "" && cfg.IncidentsURL == "" {
		return nil, fmt.Errorf("http output URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		alertsURL:    cfg.AlertsURL,
		incidentsURL: cfg.IncidentsURL,
		headers:      cfg.Headers,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts posts a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 || w.alertsURL == "" {
		return nil
	}
	return w.post(w.alertsURL, alerts)
}

// WriteIncidents posts a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	if len(incidents) == 0 || w.incidentsURL == "" {
		return nil
	}
	return w.post(w.incidentsURL, incidents)
}

func (w *Writer) post(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http output request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http output returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}
