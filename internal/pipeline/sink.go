package pipeline

import (
	"context"
	"errors"

	"threatscope/pkg/models"
)

// Source yields raw event payloads. Pop returns nil, nil when idle and io.EOF when exhausted.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// DeadLetterer is implemented by sources that can park rejected payloads.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, payload []byte, reason string) error
}

// Sink receives alert and incident notifications.
type Sink interface {
	WriteAlerts(alerts []*models.Alert) error
	WriteIncidents(incidents []*models.Incident) error
	Close() error
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteAlerts(alerts []*models.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteAlerts(alerts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteIncidents(incidents []*models.Incident) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteIncidents(incidents); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// members flattens nested MultiSinks so each destination can be retried on its own.
func members(s Sink) []Sink {
	m, ok := s.(MultiSink)
	if !ok {
		return []Sink{s}
	}
	var out []Sink
	for _, child := range m {
		out = append(out, members(child)...)
	}
	return out
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
