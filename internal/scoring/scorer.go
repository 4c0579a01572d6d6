package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"threatscope/internal/mitre"
	"threatscope/pkg/models"
)

// ErrUnavailable marks a failed or invalid estimator response. It is retryable.
var ErrUnavailable = errors.New("scoring capability unavailable")

// Estimator is one independently trained probability model over the 9-field vector.
type Estimator interface {
	PredictProbability(ctx context.Context, fv models.FeatureVector) (float64, error)
}

// AlertRecorder durably stores alerts.
type AlertRecorder interface {
	SaveAlert(ctx context.Context, alert *models.Alert) (string, error)
}

// Config controls scoring behavior.
type Config struct {
	Thresholds       Thresholds
	Timeout          time.Duration
	StoreTimeout     time.Duration
	DefaultCategory  string
	SnapshotFeatures bool
}

// Input is one scoring request.
type Input struct {
	EntityID string
	Event    *models.Event
	Features models.FeatureVector
	// Category is the assumed threat category; empty uses Config.DefaultCategory.
	Category string
}

// Result is the scoring verdict.
type Result struct {
	Score       float64            `json:"threat_score"`
	Level       models.ThreatLevel `json:"threat_level"`
	IsMalicious bool               `json:"is_malicious"`
	Tactic      string             `json:"mitre_tactic"`
	Technique   string             `json:"mitre_technique"`
	Alert       *models.Alert      `json:"alert,omitempty"`
}

// Scorer combines two estimators into an ensemble verdict.
type Scorer struct {
	cfg        Config
	estimators [2]Estimator
	recorder   AlertRecorder
	now        func() time.Time
}

// NewScorer creates a scorer. Both estimators and the recorder are required.
func NewScorer(cfg Config, primary, secondary Estimator, recorder AlertRecorder) (*Scorer, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("two estimators are required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("alert recorder is required")
	}
	cfg.Thresholds = cfg.Thresholds.WithDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.DefaultCategory) == "" {
		cfg.DefaultCategory = mitre.CategoryAPT
	}
	return &Scorer{
		cfg:        cfg,
		estimators: [2]Estimator{primary, secondary},
		recorder:   recorder,
		now:        time.Now,
	}, nil
}

// Thresholds returns the active thresholds.
func (s *Scorer) Thresholds() Thresholds {
	return s.cfg.Thresholds
}

// Score evaluates the ensemble and, for malicious verdicts, records an Alert.
//
// Estimator failures return ErrUnavailable and no alert. When recording a
// malicious alert fails, the verdict is still returned together with the error
// so the caller can retry the write.
func (s *Scorer) Score(ctx context.Context, in Input) (*Result, error) {
	if in.EntityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}

	score, err := s.ensemble(ctx, in.Features)
	if err != nil {
		return nil, err
	}

	category := in.Category
	if strings.TrimSpace(category) == "" {
		category = s.cfg.DefaultCategory
	}
	var eventType models.EventType
	if in.Event != nil {
		eventType = in.Event.Type
	}
	mapping := mitre.Resolve(category, eventType)

	res := &Result{
		Score:       score,
		Level:       s.cfg.Thresholds.Level(score),
		IsMalicious: s.cfg.Thresholds.Malicious(score),
		Tactic:      mapping.Tactic,
		Technique:   mapping.Technique,
	}
	if !res.IsMalicious {
		return res, nil
	}

	ts := s.now().UTC()
	if in.Event != nil && !in.Event.Timestamp.IsZero() {
		ts = in.Event.Timestamp
	}
	alert := &models.Alert{
		Timestamp:      ts,
		EntityID:       in.EntityID,
		Score:          score,
		Level:          res.Level,
		ThreatCategory: category,
		EventType:      eventType,
		Tactic:         mapping.Tactic,
		Technique:      mapping.Technique,
		Description:    fmt.Sprintf("Threat detected: %s", eventType),
	}
	if s.cfg.SnapshotFeatures {
		fv := in.Features
		alert.Features = &fv
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	id, err := s.recorder.SaveAlert(wctx, alert)
	if err != nil {
		return res, fmt.Errorf("record alert for %s: %w", in.EntityID, err)
	}
	alert.ID = id
	res.Alert = alert
	return res, nil
}

func (s *Scorer) ensemble(ctx context.Context, fv models.FeatureVector) (float64, error) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var probs [2]float64
	g, gctx := errgroup.WithContext(ictx)
	for i, est := range s.estimators {
		i, est := i, est
		g.Go(func() error {
			p, err := est.PredictProbability(gctx, fv)
			if err != nil {
				return fmt.Errorf("%w: estimator %d: %v", ErrUnavailable, i, err)
			}
			if math.IsNaN(p) || p < 0 || p > 1 {
				return fmt.Errorf("%w: estimator %d returned invalid probability %v", ErrUnavailable, i, p)
			}
			probs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return (probs[0] + probs[1]) / 2, nil
}
