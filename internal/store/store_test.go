package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"threatscope/pkg/models"
)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"})
		if err != nil {
			t.Fatalf("new redis store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func saveAlert(t *testing.T, s Store, entity string, ts time.Time, level models.ThreatLevel) string {
	t.Helper()
	id, err := s.SaveAlert(context.Background(), &models.Alert{
		Timestamp: ts,
		EntityID:  entity,
		Score:     0.9,
		Level:     level,
		Tactic:    "TA0010",
		Technique: "T1041",
	})
	if err != nil {
		t.Fatalf("save alert: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated alert id")
	}
	return id
}

func TestQueryAlertsWindowAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		saveAlert(t, s, "u1", base.Add(30*time.Minute), models.LevelHigh)
		saveAlert(t, s, "u1", base, models.LevelMedium)
		saveAlert(t, s, "u1", base.Add(10*time.Minute), models.LevelCritical)
		saveAlert(t, s, "u1", base.Add(61*time.Minute), models.LevelLow)
		saveAlert(t, s, "u2", base.Add(5*time.Minute), models.LevelHigh)

		got, err := s.QueryAlerts(ctx, "u1", base, base.Add(60*time.Minute))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 alerts in (from, to], got %d", len(got))
		}
		if !got[0].Timestamp.Equal(base.Add(10*time.Minute)) || !got[1].Timestamp.Equal(base.Add(30*time.Minute)) {
			t.Fatalf("unexpected order: %v, %v", got[0].Timestamp, got[1].Timestamp)
		}

		got, _ = s.QueryAlerts(ctx, "u1", base.Add(-time.Nanosecond), base.Add(30*time.Minute))
		if len(got) != 3 {
			t.Fatalf("expected inclusive upper bound, got %d", len(got))
		}
		got, _ = s.QueryAlerts(ctx, "nobody", base, base.Add(time.Hour))
		if len(got) != 0 {
			t.Fatalf("expected no alerts for unknown entity")
		}
	})
}

func TestIncidentUniquenessAndLinking(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		a1 := saveAlert(t, s, "u1", ts, models.LevelHigh)
		a2 := saveAlert(t, s, "u1", ts.Add(time.Minute), models.LevelHigh)

		inc := &models.Incident{ID: "INC-20260302100000-u1", EntityID: "u1", StartTime: ts, AlertIDs: []string{a1, a2}}
		if _, err := s.SaveIncident(ctx, inc); err != nil {
			t.Fatalf("save incident: %v", err)
		}
		if _, err := s.SaveIncident(ctx, inc); !errors.Is(err, ErrIncidentExists) {
			t.Fatalf("expected ErrIncidentExists, got %v", err)
		}
		if err := s.LinkAlertsToIncident(ctx, []string{a1, a2}, inc.ID); err != nil {
			t.Fatalf("link: %v", err)
		}
		if err := s.LinkAlertsToIncident(ctx, []string{a1}, inc.ID); err != nil {
			t.Fatalf("relink to same incident should be a no-op: %v", err)
		}

		other := &models.Incident{ID: "INC-other", EntityID: "u1", StartTime: ts}
		if _, err := s.SaveIncident(ctx, other); err != nil {
			t.Fatalf("save other: %v", err)
		}
		if err := s.LinkAlertsToIncident(ctx, []string{a2}, other.ID); !errors.Is(err, ErrAlreadyLinked) {
			t.Fatalf("expected ErrAlreadyLinked, got %v", err)
		}
		if err := s.LinkAlertsToIncident(ctx, []string{a1}, "INC-missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		got, err := s.GetAlert(ctx, a2)
		if err != nil {
			t.Fatalf("get alert: %v", err)
		}
		if got.IncidentID != inc.ID {
			t.Fatalf("expected alert linked to %s, got %q", inc.ID, got.IncidentID)
		}

		stored, err := s.GetIncident(ctx, inc.ID)
		if err != nil {
			t.Fatalf("get incident: %v", err)
		}
		if stored.Status != models.StatusOpen || stored.CreatedAt.IsZero() {
			t.Fatalf("expected open incident with created_at: %+v", stored)
		}
	})
}

func TestLinkIsAllOrNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		a1 := saveAlert(t, s, "u1", ts, models.LevelHigh)
		_, _ = s.SaveIncident(ctx, &models.Incident{ID: "INC-a", EntityID: "u1", StartTime: ts})

		if err := s.LinkAlertsToIncident(ctx, []string{a1, "missing"}, "INC-a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		got, _ := s.GetAlert(ctx, a1)
		if got.IncidentID != "" {
			t.Fatalf("partial link must not be applied")
		}
	})
}

func TestIncidentStatusAndListing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		_, _ = s.SaveIncident(ctx, &models.Incident{ID: "INC-2", EntityID: "u1", StartTime: ts.Add(time.Hour)})
		_, _ = s.SaveIncident(ctx, &models.Incident{ID: "INC-1", EntityID: "u1", StartTime: ts})
		_, _ = s.SaveIncident(ctx, &models.Incident{ID: "INC-3", EntityID: "u2", StartTime: ts})

		if err := s.SetIncidentStatus(ctx, "INC-1", models.StatusFalsePositive, "analyst1", "benign backup"); err != nil {
			t.Fatalf("set status: %v", err)
		}
		if err := s.SetIncidentStatus(ctx, "INC-1", "bogus", "", ""); err == nil {
			t.Fatalf("expected invalid status error")
		}
		if err := s.SetIncidentStatus(ctx, "INC-9", models.StatusResolved, "", ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		inc, _ := s.GetIncident(ctx, "INC-1")
		if inc.Status != models.StatusFalsePositive || inc.AssignedTo != "analyst1" || inc.ResolutionNotes != "benign backup" {
			t.Fatalf("unexpected disposition: %+v", inc)
		}

		list, err := s.ListIncidents(ctx, "u1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != "INC-1" || list[1].ID != "INC-2" {
			t.Fatalf("unexpected listing: %+v", list)
		}
		all, _ := s.ListIncidents(ctx, "")
		if len(all) != 3 {
			t.Fatalf("expected 3 incidents, got %d", len(all))
		}
	})
}

func TestDeleteIncidentUnlinksAlerts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		a1 := saveAlert(t, s, "u1", ts, models.LevelHigh)
		_, _ = s.SaveIncident(ctx, &models.Incident{ID: "INC-d", EntityID: "u1", StartTime: ts, AlertIDs: []string{a1}})
		if err := s.LinkAlertsToIncident(ctx, []string{a1}, "INC-d"); err != nil {
			t.Fatalf("link: %v", err)
		}
		if err := s.DeleteIncident(ctx, "INC-d"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetIncident(ctx, "INC-d"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected incident gone, got %v", err)
		}
		got, _ := s.GetAlert(ctx, a1)
		if got.IncidentID != "" {
			t.Fatalf("expected alert unlinked")
		}
		if list, _ := s.ListIncidents(ctx, "u1"); len(list) != 0 {
			t.Fatalf("expected empty listing")
		}
	})
}

func TestRedisStorePingFailure(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected ping error")
	}
}
