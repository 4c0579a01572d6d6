package alertkafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"threatscope/pkg/models"
)

// Config configures the Kafka writer.
type Config struct {
	Brokers       []string
	AlertTopic    string
	IncidentTopic string
	Timeout       time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes alerts and incidents keyed by entity id, so one entity stays on one partition.
type Writer struct {
	w             messageWriter
	alertTopic    string
	incidentTopic string
	timeout       time.Duration
}

// NewWriter creates a Kafka writer.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newWriter(kw, cfg), nil
}

func newWriter(w messageWriter, cfg Config) *Writer {
	if cfg.AlertTopic == "" {
		cfg.AlertTopic = "threatscope.alerts"
	}
	if cfg.IncidentTopic == "" {
		cfg.IncidentTopic = "threatscope.incidents"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Writer{w: w, alertTopic: cfg.AlertTopic, incidentTopic: cfg.IncidentTopic, timeout: cfg.Timeout}
}

// WriteAlerts publishes a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		value, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: w.alertTopic,
			Key:   []byte(a.EntityID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "threat_level", Value: []byte(a.Level)},
			},
		})
	}
	return w.publish(msgs)
}

// WriteIncidents publishes a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(incidents))
	for _, inc := range incidents {
		value, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("failed to marshal incident: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: w.incidentTopic,
			Key:   []byte(inc.EntityID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "severity", Value: []byte(inc.Severity)},
			},
		})
	}
	return w.publish(msgs)
}

func (w *Writer) publish(msgs []kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (w *Writer) Close() error {
	return w.w.Close()
}
