// Package store persists alerts and incidents.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"threatscope/pkg/models"
)

var (
	// ErrNotFound is returned for unknown alert or incident ids.
	ErrNotFound = errors.New("not found")
	// ErrIncidentExists is returned when an incident id is already taken.
	ErrIncidentExists = errors.New("incident already exists")
	// ErrAlreadyLinked is returned when an alert already belongs to another incident.
	ErrAlreadyLinked = errors.New("alert already linked to an incident")
)

// Store is the persistence capability used by scoring and correlation.
type Store interface {
	SaveAlert(ctx context.Context, alert *models.Alert) (string, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// QueryAlerts returns alerts of entityID with timestamp in (from, to], ascending.
	QueryAlerts(ctx context.Context, entityID string, from, to time.Time) ([]*models.Alert, error)

	SaveIncident(ctx context.Context, inc *models.Incident) (string, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	DeleteIncident(ctx context.Context, id string) error
	ListIncidents(ctx context.Context, entityID string) ([]*models.Incident, error)
	SetIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, assignedTo, notes string) error
	// LinkAlertsToIncident sets the owning incident of every alert, all or nothing.
	// Relinking to the same incident is a no-op.
	LinkAlertsToIncident(ctx context.Context, alertIDs []string, incidentID string) error

	Close() error
}

func inRange(ts, from, to time.Time) bool {
	return ts.After(from) && !ts.After(to)
}

func sortAlerts(alerts []*models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.Before(alerts[j].Timestamp)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func sortIncidents(incs []*models.Incident) {
	sort.SliceStable(incs, func(i, j int) bool {
		if !incs[i].StartTime.Equal(incs[j].StartTime) {
			return incs[i].StartTime.Before(incs[j].StartTime)
		}
		return incs[i].ID < incs[j].ID
	})
}

func cloneIncident(inc *models.Incident) *models.Incident {
	cp := *inc
	cp.AttackChain = append([]models.AttackStep(nil), inc.AttackChain...)
	cp.AlertIDs = append([]string(nil), inc.AlertIDs...)
	return &cp
}
