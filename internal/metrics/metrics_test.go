package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"threatscope/pkg/models"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Event(ResultScored)
	m.Event(ResultScored)
	m.Event(ResultInvalid)
	m.Prediction(models.LevelCritical, 3*time.Millisecond)
	m.Alert()
	m.Incident()
	m.ScoringError("unavailable")
	m.AddEntities(3)
	m.AddEntities(-1)

	if got := testutil.ToFloat64(m.events.WithLabelValues(ResultScored)); got != 2 {
		t.Fatalf("expected 2 scored events, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictions.WithLabelValues("critical")); got != 1 {
		t.Fatalf("expected 1 critical prediction, got %v", got)
	}
	if got := testutil.ToFloat64(m.entities); got != 2 {
		t.Fatalf("expected 2 tracked entities, got %v", got)
	}
	if n := testutil.CollectAndCount(m.scoringDuration); n != 1 {
		t.Fatalf("expected histogram series, got %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Event(ResultScored)
	m.Prediction(models.LevelLow, time.Second)
	m.Alert()
	m.Incident()
	m.ScoringError("x")
	m.SinkError("alerts")
	m.AddEntities(1)
}
