package alertnats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"threatscope/pkg/models"
)

// Config configures the NATS writer.
type Config struct {
	URL           string
	SubjectPrefix string
	FlushTimeout  time.Duration
}

type publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Writer publishes alerts on <prefix>.alerts.<level> and incidents on <prefix>.incidents.<severity>.
type Writer struct {
	nc           publisher
	prefix       string
	flushTimeout time.Duration
}

// NewWriter connects to NATS.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("threatscope"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newWriter(nc, cfg), nil
}

func newWriter(nc publisher, cfg Config) *Writer {
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "threatscope"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Writer{nc: nc, prefix: prefix, flushTimeout: cfg.FlushTimeout}
}

// WriteAlerts publishes a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		if err := w.nc.Publish(w.subject("alerts", string(a.Level)), data); err != nil {
			return fmt.Errorf("failed to publish alert: %w", err)
		}
	}
	return w.flush(len(alerts))
}

// WriteIncidents publishes a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	for _, inc := range incidents {
		data, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("failed to marshal incident: %w", err)
		}
		if err := w.nc.Publish(w.subject("incidents", string(inc.Severity)), data); err != nil {
			return fmt.Errorf("failed to publish incident: %w", err)
		}
	}
	return w.flush(len(incidents))
}

func (w *Writer) flush(n int) error {
	if n == 0 {
		return nil
	}
	if err := w.nc.FlushTimeout(w.flushTimeout); err != nil {
		return fmt.Errorf("failed to flush nats: %w", err)
	}
	return nil
}

func (w *Writer) subject(stream, level string) string {
	if level == "" {
		level = "unknown"
	}
	return w.prefix + "." + stream + "." + level
}

// Close closes the connection.
func (w *Writer) Close() error {
	w.nc.Close()
	return nil
}
