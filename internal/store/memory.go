package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatscope/pkg/models"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    map[string]*models.Alert
	byEntity  map[string][]string
	incidents map[string]*models.Incident
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:    make(map[string]*models.Alert),
		byEntity:  make(map[string][]string),
		incidents: make(map[string]*models.Incident),
		now:       time.Now,
	}
}

func (s *MemoryStore) SaveAlert(ctx context.Context, alert *models.Alert) (string, error) {
	if alert == nil || alert.EntityID == "" {
		return "", fmt.Errorf("alert with entity id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, ok := s.alerts[cp.ID]; !ok {
		s.byEntity[cp.EntityID] = append(s.byEntity[cp.EntityID], cp.ID)
	}
	s.alerts[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) QueryAlerts(ctx context.Context, entityID string, from, to time.Time) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Alert
	for _, id := range s.byEntity[entityID] {
		a := s.alerts[id]
		if inRange(a.Timestamp, from, to) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryStore) SaveIncident(ctx context.Context, inc *models.Incident) (string, error) {
	if inc == nil || inc.ID == "" {
		return "", fmt.Errorf("incident id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; ok {
		return "", fmt.Errorf("incident %s: %w", inc.ID, ErrIncidentExists)
	}
	cp := cloneIncident(inc)
	if cp.Status == "" {
		cp.Status = models.StatusOpen
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.incidents[cp.ID] = cp
	return cp.ID, nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return cloneIncident(inc), nil
}

func (s *MemoryStore) DeleteIncident(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[id]; !ok {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	delete(s.incidents, id)
	for _, a := range s.alerts {
		if a.IncidentID == id {
			a.IncidentID = ""
		}
	}
	return nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, entityID string) ([]*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Incident
	for _, inc := range s.incidents {
		if entityID == "" || inc.EntityID == entityID {
			out = append(out, cloneIncident(inc))
		}
	}
	sortIncidents(out)
	return out, nil
}

func (s *MemoryStore) SetIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, assignedTo, notes string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid incident status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	applyStatus(inc, status, assignedTo, notes)
	return nil
}

func (s *MemoryStore) LinkAlertsToIncident(ctx context.Context, alertIDs []string, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incidentID]; !ok {
		return fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}
	for _, id := range alertIDs {
		a, ok := s.alerts[id]
		if !ok {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		if a.IncidentID != "" && a.IncidentID != incidentID {
			return fmt.Errorf("alert %s owned by %s: %w", id, a.IncidentID, ErrAlreadyLinked)
		}
	}
	for _, id := range alertIDs {
		s.alerts[id].IncidentID = incidentID
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func applyStatus(inc *models.Incident, status models.IncidentStatus, assignedTo, notes string) {
	inc.Status = status
	if assignedTo != "" {
		inc.AssignedTo = assignedTo
	}
	if notes != "" {
		inc.ResolutionNotes = notes
	}
}
