package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"threatscope/pkg/models"
)

func ingestAll(t *testing.T, x *Extractor, events []models.Event) []models.FeatureVector {
	t.Helper()
	out := make([]models.FeatureVector, 0, len(events))
	for i := range events {
		fv, err := x.Ingest(events[i].EntityID, &events[i])
		if err != nil {
			t.Fatalf("ingest event %d: %v", i, err)
		}
		out = append(out, fv)
	}
	return out
}

func TestFailedLoginRateFiveFailsThenSuccess(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var events []models.Event
	for i := 0; i < 5; i++ {
		events = append(events, models.Event{Timestamp: base.Add(time.Duration(i*2) * time.Minute), EntityID: "u1", Type: models.EventLoginFail})
	}
	events = append(events, models.Event{Timestamp: base.Add(12 * time.Minute), EntityID: "u1", Type: models.EventLoginSuccess})

	got := ingestAll(t, NewExtractor(Config{}), events)
	last := got[len(got)-1]
	if math.Abs(last.FailedLoginRate1h-5.0/6.0) > 1e-12 {
		t.Fatalf("expected failed rate 5/6, got %f", last.FailedLoginRate1h)
	}
	if last.LoginCount1h != 1 {
		t.Fatalf("expected 1 login success, got %f", last.LoginCount1h)
	}
	if got[0].FailedLoginRate1h != 1 {
		t.Fatalf("expected first fail rate 1, got %f", got[0].FailedLoginRate1h)
	}
}

func TestHourWindowExcludesBoundaryInstant(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Timestamp: base, EntityID: "u1", Type: models.EventLoginSuccess, BytesTransferred: 100, DstIP: "10.0.0.1"},
		{Timestamp: base.Add(30 * time.Minute), EntityID: "u1", Type: models.EventLoginSuccess, BytesTransferred: 50},
		{Timestamp: base.Add(time.Hour), EntityID: "u1", Type: models.EventLoginSuccess, BytesTransferred: 7},
	}
	got := ingestAll(t, NewExtractor(Config{}), events)
	last := got[2]
	if last.LoginCount1h != 2 {
		t.Fatalf("expected event exactly 1h old to be evicted, login count=%f", last.LoginCount1h)
	}
	if last.BytesTransferred1h != 57 {
		t.Fatalf("expected bytes 57, got %f", last.BytesTransferred1h)
	}
	if last.UniqueDstIPs1h != 0 {
		t.Fatalf("expected evicted destination, got %f", last.UniqueDstIPs1h)
	}
}

func TestLoginCountMatchesBruteForceWindow(t *testing.T) {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	types := []models.EventType{models.EventLoginSuccess, models.EventFileAccess, models.EventLoginFail, models.EventLoginSuccess}
	var events []models.Event
	offset := time.Duration(0)
	for i := 0; i < 200; i++ {
		offset += time.Duration((i*37)%23) * time.Minute
		events = append(events, models.Event{Timestamp: base.Add(offset), EntityID: "u1", Type: types[i%len(types)]})
	}
	got := ingestAll(t, NewExtractor(Config{}), events)
	for i, ev := range events {
		want := 0
		for _, prev := range events[:i+1] {
			if prev.Type == models.EventLoginSuccess && prev.Timestamp.After(ev.Timestamp.Add(-time.Hour)) {
				want++
			}
		}
		if got[i].LoginCount1h != float64(want) {
			t.Fatalf("event %d: login count %f, want %d", i, got[i].LoginCount1h, want)
		}
	}
}

func TestUniqueDestinationsAndEntropy(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Timestamp: base, EntityID: "u1", Type: models.EventHTTPRequest, DstIP: "1.1.1.1"},
		{Timestamp: base.Add(time.Minute), EntityID: "u1", Type: models.EventHTTPRequest, DstIP: "1.1.1.1"},
		{Timestamp: base.Add(2 * time.Minute), EntityID: "u1", Type: models.EventHTTPRequest, DstIP: ""},
		{Timestamp: base.Add(3 * time.Minute), EntityID: "u1", Type: models.EventHTTPRequest, DstIP: "2.2.2.2"},
		{Timestamp: base.Add(4 * time.Minute), EntityID: "u1", Type: models.EventHTTPRequest, DstIP: "3.3.3.3"},
	}
	got := ingestAll(t, NewExtractor(Config{}), events)

	if got[0].UniqueDstIPs1h != 1 || got[0].DstIPEntropy1h != 0 {
		t.Fatalf("first event should count its own destination with zero entropy: %+v", got[0])
	}
	if got[1].DstIPEntropy1h != 0 {
		t.Fatalf("single distinct destination must have zero entropy, got %f", got[1].DstIPEntropy1h)
	}
	if got[2].UniqueDstIPs1h != 1 {
		t.Fatalf("empty destination must not count, got %f", got[2].UniqueDstIPs1h)
	}
	// counts {1.1.1.1:2, 2.2.2.2:1}
	want := -(2.0/3.0)*math.Log(2.0/3.0) - (1.0/3.0)*math.Log(1.0/3.0)
	if math.Abs(got[3].DstIPEntropy1h-want) > 1e-12 {
		t.Fatalf("entropy %f, want %f", got[3].DstIPEntropy1h, want)
	}
	if got[4].UniqueDstIPs1h != 3 {
		t.Fatalf("expected 3 unique destinations, got %f", got[4].UniqueDstIPs1h)
	}
	if got[4].DstIPEntropy1h <= got[3].DstIPEntropy1h {
		t.Fatalf("entropy should grow with spread: %f <= %f", got[4].DstIPEntropy1h, got[3].DstIPEntropy1h)
	}
}

func TestEntropyIncreasesWithSpreadForFixedWindowSize(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	run := func(dsts []string) float64 {
		x := NewExtractor(Config{})
		var fv models.FeatureVector
		for i, d := range dsts {
			ev := models.Event{Timestamp: base.Add(time.Duration(i) * time.Second), EntityID: "u", DstIP: d}
			var err error
			fv, err = x.Ingest("u", &ev)
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
		}
		return fv.DstIPEntropy1h
	}
	h1 := run([]string{"a", "a", "a", "a"})
	h2 := run([]string{"a", "a", "a", "b"})
	h3 := run([]string{"a", "a", "b", "b"})
	h4 := run([]string{"a", "b", "c", "d"})
	if !(h1 < h2 && h2 < h3 && h3 < h4) {
		t.Fatalf("entropy not monotonic: %f %f %f %f", h1, h2, h3, h4)
	}
	if math.Abs(h4-math.Log(4)) > 1e-12 {
		t.Fatalf("uniform entropy %f, want ln 4", h4)
	}
}

func TestDayWindowFilesAndOffHours(t *testing.T) {
	base := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Timestamp: base, EntityID: "u1", Type: models.EventFileAccess, FileName: "a.docx"},
		{Timestamp: base.Add(8 * time.Hour), EntityID: "u1", Type: models.EventFileAccess, FileName: "b.docx"},
		{Timestamp: base.Add(9 * time.Hour), EntityID: "u1", Type: models.EventFileAccess, FileName: "a.docx"},
		{Timestamp: base.Add(17 * time.Hour), EntityID: "u1", Type: models.EventFileAccess},
		{Timestamp: base.Add(24 * time.Hour), EntityID: "u1", Type: models.EventFileAccess, FileName: "c.docx"},
	}
	got := ingestAll(t, NewExtractor(Config{}), events)

	if got[0].OffHoursRatio24h != 1 {
		t.Fatalf("02:00 is off hours, got ratio %f", got[0].OffHoursRatio24h)
	}
	if got[2].UniqueFiles24h != 2 {
		t.Fatalf("expected 2 unique files, got %f", got[2].UniqueFiles24h)
	}
	// hours: 02 off, 10 on, 11 on, 19 off
	if got[3].OffHoursRatio24h != 0.5 {
		t.Fatalf("expected off-hours ratio 0.5, got %f", got[3].OffHoursRatio24h)
	}
	if got[3].UniqueFiles24h != 2 {
		t.Fatalf("empty file name must not count, got %f", got[3].UniqueFiles24h)
	}
	// first event is exactly 24h old and is evicted; files a(11h), b, c remain.
	if got[4].UniqueFiles24h != 3 {
		t.Fatalf("expected 3 unique files after eviction, got %f", got[4].UniqueFiles24h)
	}
	if got[4].OffHoursRatio24h != 0.5 {
		t.Fatalf("expected ratio 2/4 after eviction, got %f", got[4].OffHoursRatio24h)
	}
}

func TestOffHoursUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ev := models.Event{Timestamp: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), EntityID: "u1"}
	fv, err := NewExtractor(Config{Location: loc}).Ingest("u1", &ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if fv.OffHoursRatio24h != 0 {
		t.Fatalf("11:00 local should be business hours, got %f", fv.OffHoursRatio24h)
	}
}

func TestInstantaneousFlags(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	x := NewExtractor(Config{})
	ev := models.Event{Timestamp: ts, EntityID: "u1", Type: models.EventPrivilegeEscalation, GeoCountry: "us"}
	fv, err := x.Ingest("u1", &ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if fv.PrivilegeChangeFlag != 1 || fv.GeoAnomalyScore != 0 {
		t.Fatalf("unexpected flags: %+v", fv)
	}
	ev2 := models.Event{Timestamp: ts, EntityID: "u1", Type: models.EventFileTransfer, GeoCountry: "RU"}
	fv, err = x.Ingest("u1", &ev2)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if fv.PrivilegeChangeFlag != 0 || fv.GeoAnomalyScore != 1 {
		t.Fatalf("unexpected flags: %+v", fv)
	}
	ev3 := models.Event{Timestamp: ts, EntityID: "u1", Type: models.EventFileTransfer}
	fv, _ = x.Ingest("u1", &ev3)
	if fv.GeoAnomalyScore != 0 {
		t.Fatalf("missing country should not be anomalous")
	}
}

func TestEntitiesAreIsolated(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	x := NewExtractor(Config{})
	a := models.Event{Timestamp: ts, EntityID: "a", Type: models.EventLoginSuccess, DstIP: "1.1.1.1"}
	if _, err := x.Ingest("a", &a); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	b := models.Event{Timestamp: ts.Add(-time.Minute), EntityID: "b", Type: models.EventLoginFail}
	fv, err := x.Ingest("b", &b)
	if err != nil {
		t.Fatalf("cross-entity order must be unconstrained: %v", err)
	}
	if fv.LoginCount1h != 0 || fv.UniqueDstIPs1h != 0 || fv.FailedLoginRate1h != 1 {
		t.Fatalf("entity b saw entity a state: %+v", fv)
	}
	if x.Entities() != 2 {
		t.Fatalf("expected 2 entities, got %d", x.Entities())
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	x := NewExtractor(Config{})
	first := models.Event{Timestamp: ts, EntityID: "u1"}
	if _, err := x.Ingest("u1", &first); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	same := models.Event{Timestamp: ts, EntityID: "u1"}
	if _, err := x.Ingest("u1", &same); err != nil {
		t.Fatalf("equal timestamps must be accepted: %v", err)
	}
	late := models.Event{Timestamp: ts.Add(-time.Second), EntityID: "u1"}
	if _, err := x.Ingest("u1", &late); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if _, err := x.Ingest("", &first); !errors.Is(err, ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}
}

func TestPruneDropsIdleEntities(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	x := NewExtractor(Config{})
	a := models.Event{Timestamp: ts, EntityID: "a"}
	b := models.Event{Timestamp: ts.Add(20 * time.Hour), EntityID: "b"}
	x.Ingest("a", &a)
	x.Ingest("b", &b)
	if n := x.Prune(ts.Add(25 * time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned entity, got %d", n)
	}
	if x.Entities() != 1 {
		t.Fatalf("expected 1 remaining entity, got %d", x.Entities())
	}
}

func TestQueueCompaction(t *testing.T) {
	var q queue[int]
	for i := 0; i < 500; i++ {
		q.push(i)
		if i%2 == 1 {
			if v := q.pop(); v != i/2 {
				t.Fatalf("pop %d, want %d", v, i/2)
			}
		}
	}
	if q.len() != 250 {
		t.Fatalf("expected 250 queued, got %d", q.len())
	}
	if v, _ := q.front(); v != 250 {
		t.Fatalf("front %d, want 250", v)
	}
}
