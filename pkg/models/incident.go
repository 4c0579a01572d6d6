package models

import "time"

// IncidentStatus is the human disposition of an incident.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusResolved      IncidentStatus = "resolved"
	StatusFalsePositive IncidentStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// AttackStep is one kill-chain entry of an incident.
type AttackStep struct {
	Stage     string    `json:"stage"`
	Tactic    string    `json:"tactic,omitempty"`
	Technique string    `json:"technique,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Incident groups correlated alerts of one entity.
type Incident struct {
	ID              string         `json:"incident_number"`
	EntityID        string         `json:"user_id"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	Severity        ThreatLevel    `json:"severity"`
	Status          IncidentStatus `json:"status"`
	AttackChain     []AttackStep   `json:"attack_chain"`
	Narrative       string         `json:"narrative"`
	AlertIDs        []string       `json:"alert_ids"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
