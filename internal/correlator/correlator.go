// Package correlator groups an entity's recent alerts into incidents.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"threatscope/internal/mitre"
	"threatscope/pkg/models"
)

// ErrNoAlerts is returned by CreateIncident for an empty alert list.
var ErrNoAlerts = errors.New("create incident requires at least one alert")

// Store is the persistence the correlator needs.
type Store interface {
	QueryAlerts(ctx context.Context, entityID string, from, to time.Time) ([]*models.Alert, error)
	SaveIncident(ctx context.Context, inc *models.Incident) (string, error)
	LinkAlertsToIncident(ctx context.Context, alertIDs []string, incidentID string) error
	DeleteIncident(ctx context.Context, id string) error
}

// Config controls correlation.
type Config struct {
	// Window is the default look-back used when Correlate gets a non-positive window.
	Window time.Duration
	// LockStripes is the number of per-entity mutexes.
	LockStripes int
	Now         func() time.Time
}

// Correlator builds incidents. A correlation for one entity is serialized by a
// striped lock and only selects alerts that are not yet linked, so overlapping
// triggers produce at most one incident per alert set.
type Correlator struct {
	store  Store
	window time.Duration
	locks  []sync.Mutex
	now    func() time.Time
}

// New creates a correlator.
func New(store Store, cfg Config) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Minute
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Correlator{
		store:  store,
		window: cfg.Window,
		locks:  make([]sync.Mutex, cfg.LockStripes),
		now:    cfg.Now,
	}
}

// Correlate selects entityID's unlinked alerts in (now-window, now] and turns
// them into one incident. It returns nil without error when nothing qualifies.
func (c *Correlator) Correlate(ctx context.Context, entityID string, window time.Duration) (*models.Incident, error) {
	return c.CorrelateAt(ctx, entityID, window, c.now())
}

// CorrelateAt is Correlate with an explicit reference time, used when
// correlating on event time instead of wall-clock time.
func (c *Correlator) CorrelateAt(ctx context.Context, entityID string, window time.Duration, now time.Time) (*models.Incident, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if window <= 0 {
		window = c.window
	}
	mu := c.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	alerts, err := c.store.QueryAlerts(ctx, entityID, now.Add(-window), now)
	if err != nil {
		return nil, fmt.Errorf("query alerts for %s: %w", entityID, err)
	}
	selected := make([]*models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.IncidentID == "" {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return nil, nil
	}
	return c.persist(ctx, selected, now)
}

// CreateIncident builds, stores and links an incident from alerts of one entity.
func (c *Correlator) CreateIncident(ctx context.Context, alerts []*models.Alert) (*models.Incident, error) {
	if len(alerts) == 0 {
		return nil, ErrNoAlerts
	}
	for i, a := range alerts {
		if a == nil {
			return nil, fmt.Errorf("alert %d is nil", i)
		}
	}
	mu := c.lockFor(alerts[0].EntityID)
	mu.Lock()
	defer mu.Unlock()
	return c.persist(ctx, alerts, c.now())
}

func (c *Correlator) persist(ctx context.Context, alerts []*models.Alert, now time.Time) (*models.Incident, error) {
	inc, err := BuildIncident(alerts, now)
	if err != nil {
		return nil, err
	}
	inc.CreatedAt = c.now().UTC()
	if _, err := c.store.SaveIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	if err := c.store.LinkAlertsToIncident(ctx, inc.AlertIDs, inc.ID); err != nil {
		if derr := c.store.DeleteIncident(ctx, inc.ID); derr != nil {
			return nil, fmt.Errorf("link alerts to %s: %w (rollback failed: %v)", inc.ID, err, derr)
		}
		return nil, fmt.Errorf("link alerts to %s: %w", inc.ID, err)
	}
	for _, a := range alerts {
		a.IncidentID = inc.ID
	}
	return inc, nil
}

func (c *Correlator) lockFor(entityID string) *sync.Mutex {
	return &c.locks[murmur3.Sum32([]byte(entityID))%uint32(len(c.locks))]
}

// BuildIncident derives an incident from alerts without touching storage.
// Alerts without a timestamp are ordered last.
func BuildIncident(alerts []*models.Alert, now time.Time) (*models.Incident, error) {
	if len(alerts) == 0 {
		return nil, ErrNoAlerts
	}
	sorted := make([]*models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a == nil {
			return nil, fmt.Errorf("nil alert")
		}
		sorted = append(sorted, a)
	}
	entity := sorted[0].EntityID
	for _, a := range sorted {
		if a.EntityID != entity {
			return nil, fmt.Errorf("alerts span entities %q and %q", entity, a.EntityID)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].Timestamp, sorted[j].Timestamp
		if ti.IsZero() || tj.IsZero() {
			return !ti.IsZero() && tj.IsZero()
		}
		return ti.Before(tj)
	})

	start := sorted[0].Timestamp
	if start.IsZero() {
		start = now
	}
	end := start
	for _, a := range sorted {
		if a.Timestamp.After(end) {
			end = a.Timestamp
		}
	}

	severity := models.LevelLow
	chain := make([]models.AttackStep, 0, len(sorted))
	ids := make([]string, 0, len(sorted))
	for _, a := range sorted {
		if a.Level.Rank() > severity.Rank() {
			severity = a.Level
		}
		chain = append(chain, models.AttackStep{
			Stage:     mitre.StageOf(a.Tactic),
			Tactic:    a.Tactic,
			Technique: a.Technique,
			Timestamp: a.Timestamp,
		})
		ids = append(ids, a.ID)
	}

	return &models.Incident{
		ID:          IncidentID(start, entity),
		EntityID:    entity,
		StartTime:   start,
		EndTime:     end,
		Severity:    severity,
		Status:      models.StatusOpen,
		AttackChain: chain,
		Narrative:   Narrative(sorted),
		AlertIDs:    ids,
		CreatedAt:   now.UTC(),
	}, nil
}

// IncidentID formats INC-<yyyymmddhhmmss>-<entity> in UTC.
func IncidentID(start time.Time, entityID string) string {
	return "INC-" + start.UTC().Format("20060102150405") + "-" + entityID
}

// Narrative renders chronologically ordered alerts as text.
func Narrative(alerts []*models.Alert) string {
	if len(alerts) == 0 {
		return "No alerts to generate narrative."
	}
	start := "unknown time"
	if ts := alerts[0].Timestamp; !ts.IsZero() {
		start = ts.UTC().Format("2006-01-02 15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Potential attack sequence detected for user '%s' starting %s. Correlated %d alerts in temporal proximity.\n",
		alerts[0].EntityID, start, len(alerts))
	for i, a := range alerts {
		if i > 0 {
			b.WriteByte('\n')
		}
		ts := "unknown time"
		if !a.Timestamp.IsZero() {
			ts = a.Timestamp.UTC().Format("15:04:05")
		}
		tactic := a.Tactic
		if tactic == "" {
			tactic = "Unknown Tactic"
		}
		technique := a.Technique
		if technique == "" {
			technique = "Unknown Technique"
		}
		fmt.Fprintf(&b, "[%s] %s: %s (%s) with score %.2f", ts, mitre.StageOf(a.Tactic), tactic, technique, a.Score)
	}
	return b.String()
}
