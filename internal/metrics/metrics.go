// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics is a no-op.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threatscope/pkg/models"
)

const namespace = "threatscope"

// Event results.
const (
	ResultScored     = "scored"
	ResultInvalid    = "invalid"
	ResultOutOfOrder = "out_of_order"
	ResultFailed     = "failed"
)

// Metrics holds the collectors.
type Metrics struct {
	events          *prometheus.CounterVec
	predictions     *prometheus.CounterVec
	alerts          prometheus.Counter
	incidents       prometheus.Counter
	scoringErrors   *prometheus.CounterVec
	scoringDuration prometheus.Histogram
	sinkErrors      *prometheus.CounterVec
	entities        prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events handled by the pipeline, by result.",
		}, []string{"result"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "predictions_total",
			Help: "Ensemble verdicts by threat level.",
		}, []string{"threat_level"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Alerts recorded.",
		}),
		incidents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "incidents_total",
			Help: "Incidents created by correlation.",
		}),
		scoringErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scoring_errors_total",
			Help: "Scoring failures by kind.",
		}, []string{"kind"}),
		scoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scoring_duration_seconds",
			Help:    "Ensemble scoring latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_write_errors_total",
			Help: "Failed output writes by stream.",
		}, []string{"stream"}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tracked_entities",
			Help: "Entities with live window state.",
		}),
	}
	reg.MustRegister(m.events, m.predictions, m.alerts, m.incidents, m.scoringErrors, m.scoringDuration, m.sinkErrors, m.entities)
	return m
}

func (m *Metrics) Event(result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(result).Inc()
}

func (m *Metrics) Prediction(level models.ThreatLevel, took time.Duration) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(string(level)).Inc()
	m.scoringDuration.Observe(took.Seconds())
}

func (m *Metrics) Alert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

func (m *Metrics) Incident() {
	if m == nil {
		return
	}
	m.incidents.Inc()
}

func (m *Metrics) ScoringError(kind string) {
	if m == nil {
		return
	}
	m.scoringErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SinkError(stream string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(stream).Inc()
}

// AddEntities adjusts the tracked entity gauge.
func (m *Metrics) AddEntities(delta int) {
	if m == nil {
		return
	}
	m.entities.Add(float64(delta))
}

// Serve exposes g on addr until ctx is done.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
