package scoring

import (
	"fmt"

	"threatscope/pkg/models"
)

// Thresholds are inclusive lower bounds of each threat level.
type Thresholds struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// DefaultThresholds returns 0.85 / 0.70 / 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.85, High: 0.70, Medium: 0.50}
}

// WithDefaults fills each zero bound with its default, leaving the others as set.
func (t Thresholds) WithDefaults() Thresholds {
	def := DefaultThresholds()
	if t.Critical == 0 {
		t.Critical = def.Critical
	}
	if t.High == 0 {
		t.High = def.High
	}
	if t.Medium == 0 {
		t.Medium = def.Medium
	}
	return t
}

// Validate checks ordering and range.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"critical": t.Critical, "high": t.High, "medium": t.Medium} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s threshold %v outside [0,1]", name, v)
		}
	}
	if !(t.Critical >= t.High && t.High >= t.Medium) {
		return fmt.Errorf("thresholds must satisfy critical >= high >= medium, got %v/%v/%v", t.Critical, t.High, t.Medium)
	}
	return nil
}

// Level maps a score to the highest level whose bound it reaches.
func (t Thresholds) Level(score float64) models.ThreatLevel {
	switch {
	case score >= t.Critical:
		return models.LevelCritical
	case score >= t.High:
		return models.LevelHigh
	case score >= t.Medium:
		return models.LevelMedium
	default:
		return models.LevelLow
	}
}

// Malicious reports whether score reaches the medium bound.
func (t Thresholds) Malicious(score float64) bool {
	return score >= t.Medium
}
