package features

import (
	"fmt"
	"sort"
	"time"

	"threatscope/pkg/models"
)

// Row is one event's computed features in batch output.
type Row struct {
	EntityID  string               `json:"user_id"`
	Timestamp time.Time            `json:"timestamp"`
	EventType models.EventType     `json:"event_type"`
	Features  models.FeatureVector `json:"features"`
}

// ComputeBatch computes features over a full event log.
// Events are grouped by entity and sorted by timestamp (stable), then fed
// through a fresh Extractor, so output matches streaming ingestion of the
// same ordered log. Rows are ordered by entity id, then timestamp.
func ComputeBatch(cfg Config, events []models.Event) ([]Row, error) {
	byEntity := make(map[string][]*models.Event, 64)
	for i := range events {
		ev := &events[i]
		if ev.EntityID == "" {
			return nil, fmt.Errorf("event %d: %w", i, ErrMissingEntity)
		}
		byEntity[ev.EntityID] = append(byEntity[ev.EntityID], ev)
	}

	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	x := NewExtractor(cfg)
	out := make([]Row, 0, len(events))
	for _, id := range ids {
		group := byEntity[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		for _, ev := range group {
			fv, err := x.Ingest(id, ev)
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", id, err)
			}
			out = append(out, Row{EntityID: id, Timestamp: ev.Timestamp, EventType: ev.Type, Features: fv})
		}
	}
	return out, nil
}
