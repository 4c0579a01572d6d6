package features

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"threatscope/pkg/models"
)

const (
	shortHorizon = time.Hour
	longHorizon  = 24 * time.Hour
)

var (
	// ErrOutOfOrder is returned when an entity's event is older than its previous one.
	ErrOutOfOrder = errors.New("event timestamp precedes previous event for entity")
	// ErrMissingEntity is returned when no entity id is given.
	ErrMissingEntity = errors.New("entity id is required")
)

// Config controls feature extraction.
type Config struct {
	// HomeCountry is the country code that does not count as a geo anomaly.
	HomeCountry string
	// Location converts timestamps before evaluating off-hours. Nil keeps each timestamp's own zone.
	Location *time.Location
}

type hourObs struct {
	ts           time.Time
	loginSuccess bool
	loginFail    bool
	bytes        int64
	dst          string
}

type dayObs struct {
	ts       time.Time
	offHours bool
	file     string
}

// entityState holds the two trailing windows of one entity.
type entityState struct {
	last time.Time

	hour      queue[hourObs]
	loginsOK  int
	loginsBad int
	bytes     int64
	dst       *freqMap

	day      queue[dayObs]
	offHours int
	files    *freqMap
}

// Extractor turns per-entity ordered events into feature vectors.
//
// An Extractor is not safe for concurrent use. Shard entities across
// extractors instead of sharing one.
type Extractor struct {
	cfg      Config
	entities map[string]*entityState
}

// NewExtractor creates an extractor.
func NewExtractor(cfg Config) *Extractor {
	if strings.TrimSpace(cfg.HomeCountry) == "" {
		cfg.HomeCountry = "US"
	}
	return &Extractor{
		cfg:      cfg,
		entities: make(map[string]*entityState),
	}
}

// Ingest adds an event to the entity's windows and returns its feature vector.
// Events of one entity must arrive in non-decreasing timestamp order.
func (x *Extractor) Ingest(entityID string, ev *models.Event) (models.FeatureVector, error) {
	if entityID == "" {
		return models.FeatureVector{}, ErrMissingEntity
	}
	if ev == nil {
		return models.FeatureVector{}, fmt.Errorf("nil event for entity %s", entityID)
	}

	st := x.entities[entityID]
	if st == nil {
		st = &entityState{dst: newFreqMap(), files: newFreqMap()}
		x.entities[entityID] = st
	} else if ev.Timestamp.Before(st.last) {
		return models.FeatureVector{}, fmt.Errorf("%w: entity=%s ts=%s last=%s", ErrOutOfOrder, entityID, ev.Timestamp.Format(time.RFC3339Nano), st.last.Format(time.RFC3339Nano))
	}
	st.last = ev.Timestamp

	x.advanceHour(st, ev)
	x.advanceDay(st, ev)

	fv := models.FeatureVector{
		LoginCount1h:       float64(st.loginsOK),
		BytesTransferred1h: float64(st.bytes),
		UniqueDstIPs1h:     float64(st.dst.distinct()),
		DstIPEntropy1h:     st.dst.entropy(),
		UniqueFiles24h:     float64(st.files.distinct()),
	}
	if total := st.loginsOK + st.loginsBad; total > 0 {
		fv.FailedLoginRate1h = float64(st.loginsBad) / float64(total)
	}
	if n := st.day.len(); n > 0 {
		fv.OffHoursRatio24h = float64(st.offHours) / float64(n)
	}
	if ev.Type == models.EventPrivilegeEscalation {
		fv.PrivilegeChangeFlag = 1
	}
	if geo := strings.TrimSpace(ev.GeoCountry); geo != "" && !strings.EqualFold(geo, x.cfg.HomeCountry) {
		fv.GeoAnomalyScore = 1
	}
	return fv, nil
}

// Entities returns the number of tracked entities.
func (x *Extractor) Entities() int {
	return len(x.entities)
}

// Prune drops entities whose newest event left the long window relative to now.
func (x *Extractor) Prune(now time.Time) int {
	cutoff := now.Add(-longHorizon)
	removed := 0
	for id, st := range x.entities {
		if !st.last.After(cutoff) {
			delete(x.entities, id)
			removed++
		}
	}
	return removed
}

func (x *Extractor) advanceHour(st *entityState, ev *models.Event) {
	cutoff := ev.Timestamp.Add(-shortHorizon)
	for {
		old, ok := st.hour.front()
		if !ok || old.ts.After(cutoff) {
			break
		}
		st.hour.pop()
		if old.loginSuccess {
			st.loginsOK--
		}
		if old.loginFail {
			st.loginsBad--
		}
		st.bytes -= old.bytes
		st.dst.remove(old.dst)
	}

	obs := hourObs{
		ts:           ev.Timestamp,
		loginSuccess: ev.Type == models.EventLoginSuccess,
		loginFail:    ev.Type == models.EventLoginFail,
		bytes:        ev.BytesTransferred,
		dst:          strings.TrimSpace(ev.DstIP),
	}
	if obs.bytes < 0 {
		obs.bytes = 0
	}
	st.hour.push(obs)
	if obs.loginSuccess {
		st.loginsOK++
	}
	if obs.loginFail {
		st.loginsBad++
	}
	st.bytes += obs.bytes
	st.dst.add(obs.dst)
}

func (x *Extractor) advanceDay(st *entityState, ev *models.Event) {
	cutoff := ev.Timestamp.Add(-longHorizon)
	for {
		old, ok := st.day.front()
		if !ok || old.ts.After(cutoff) {
			break
		}
		st.day.pop()
		if old.offHours {
			st.offHours--
		}
		st.files.remove(old.file)
	}

	ts := ev.Timestamp
	if x.cfg.Location != nil {
		ts = ts.In(x.cfg.Location)
	}
	hour := ts.Hour()
	obs := dayObs{
		ts:       ev.Timestamp,
		offHours: hour < 6 || hour >= 18,
		file:     strings.TrimSpace(ev.FileName),
	}
	st.day.push(obs)
	if obs.offHours {
		st.offHours++
	}
	st.files.add(obs.file)
}

// freqMap counts non-empty categorical values and keeps sum(c*ln c) for entropy.
type freqMap struct {
	counts map[string]int
	total  int
	sumCLC float64
}

func newFreqMap() *freqMap {
	return &freqMap{counts: make(map[string]int)}
}

func (f *freqMap) add(v string) {
	if v == "" {
		return
	}
	c := f.counts[v]
	f.sumCLC += cLogC(c+1) - cLogC(c)
	f.counts[v] = c + 1
	f.total++
}

func (f *freqMap) remove(v string) {
	if v == "" {
		return
	}
	c, ok := f.counts[v]
	if !ok {
		return
	}
	f.sumCLC += cLogC(c-1) - cLogC(c)
	if c <= 1 {
		delete(f.counts, v)
	} else {
		f.counts[v] = c - 1
	}
	f.total--
	if f.total == 0 {
		f.sumCLC = 0
	}
}

func (f *freqMap) distinct() int {
	return len(f.counts)
}

// entropy is the natural-log Shannon entropy: ln(N) - sum(c*ln c)/N.
func (f *freqMap) entropy() float64 {
	if len(f.counts) <= 1 || f.total == 0 {
		return 0
	}
	n := float64(f.total)
	h := math.Log(n) - f.sumCLC/n
	if h < 0 {
		return 0
	}
	return h
}

func cLogC(c int) float64 {
	if c <= 1 {
		return 0
	}
	v := float64(c)
	return v * math.Log(v)
}
