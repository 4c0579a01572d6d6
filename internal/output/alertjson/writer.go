package alertjson

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"threatscope/internal/logger"
	"threatscope/pkg/models"
)

// Config selects output files. Either path may be empty to skip that stream; "-" is stdout.
type Config struct {
	AlertsPath    string
	IncidentsPath string
}

// Writer outputs alerts and incidents as JSON lines.
type Writer struct {
	mu        sync.Mutex
	alerts    *json.Encoder
	incidents *json.Encoder
	closers   []io.Closer
}

// NewWriter creates a JSONL writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.AlertsPath == "" && cfg.IncidentsPath == "" {
		return nil, fmt.Errorf("jsonl output needs an alerts or incidents path")
	}
	w := &Writer{}
	var err error
	if cfg.AlertsPath != "" {
		if w.alerts, err = w.open(cfg.AlertsPath); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	if cfg.IncidentsPath != "" {
		if cfg.IncidentsPath == cfg.AlertsPath {
			w.incidents = w.alerts
		} else if w.incidents, err = w.open(cfg.IncidentsPath); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	logger.Infof("JSONL writer initialized: alerts=%q incidents=%q", cfg.AlertsPath, cfg.IncidentsPath)
	return w, nil
}

func (w *Writer) open(path string) (*json.Encoder, error) {
	if path == "-" {
		return json.NewEncoder(os.Stdout), nil
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	w.closers = append(w.closers, f)
	return json.NewEncoder(f), nil
}

// WriteAlerts writes a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.alerts == nil {
		return nil
	}
	for _, alert := range alerts {
		if err := w.alerts.Encode(alert); err != nil {
			return fmt.Errorf("failed to encode alert: %w", err)
		}
	}
	return nil
}

// WriteIncidents writes a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.incidents == nil {
		return nil
	}
	for _, inc := range incidents {
		if err := w.incidents.Encode(inc); err != nil {
			return fmt.Errorf("failed to encode incident: %w", err)
		}
	}
	return nil
}

// Close closes the output files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	w.closers = nil
	return first
}
