package models

import (
	"strings"
	"time"
)

// ThreatLevel is the discrete severity of a score.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// Rank orders levels low<medium<high<critical. Unknown levels rank 0.
func (l ThreatLevel) Rank() int {
	switch ThreatLevel(strings.ToLower(string(l))) {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Alert is a malicious verdict recorded for one entity.
type Alert struct {
	ID             string         `json:"alert_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EntityID       string         `json:"user_id"`
	Score          float64        `json:"threat_score"`
	Level          ThreatLevel    `json:"threat_level"`
	ThreatCategory string         `json:"threat_category,omitempty"`
	EventType      EventType      `json:"event_type,omitempty"`
	Tactic         string         `json:"mitre_tactic,omitempty"`
	Technique      string         `json:"mitre_technique,omitempty"`
	Description    string         `json:"description,omitempty"`
	Features       *FeatureVector `json:"features_snapshot,omitempty"`
	IncidentID     string         `json:"incident_id,omitempty"`
}
