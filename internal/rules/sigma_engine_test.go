package rules

import (
	"os"
	"path/filepath"
	"testing"

	"threatscope/pkg/models"
)

const insiderRule = `
title: Confidential files
tags:
  - threat.insider
logsource:
  product: threatscope
detection:
  selection:
    file_name|contains: confidential
  condition: selection
level: high
`

const aptRule = `
title: Any transfer
tags:
  - threat.apt
logsource:
  product: threatscope
detection:
  selection:
    event_type: file_transfer
  condition: selection
level: low
`

const windowsRule = `
title: Windows only
tags:
  - threat.apt
logsource:
  product: windows
detection:
  selection:
    EventID: 1
  condition: selection
`

const untaggedRule = `
title: No category
logsource:
  product: threatscope
detection:
  selection:
    event_type: login_fail
  condition: selection
`

func TestSigmaClassifierPrefersHigherLevel(t *testing.T) {
	c, stats := ParseSigmaRules([][]byte{[]byte(aptRule), []byte(insiderRule)}, "apt")
	if stats.Loaded != 2 {
		t.Fatalf("expected 2 loaded rules, got %+v", stats)
	}

	ev := &models.Event{Type: models.EventFileTransfer, FileName: "Q3_confidential.xlsx"}
	if got := c.Classify(ev); got != "insider" {
		t.Fatalf("expected insider, got %q", got)
	}
	ev = &models.Event{Type: models.EventFileTransfer, FileName: "report.pdf"}
	if got := c.Classify(ev); got != "apt" {
		t.Fatalf("expected apt, got %q", got)
	}
	ev = &models.Event{Type: models.EventLoginSuccess}
	if got := c.Classify(ev); got != "apt" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestSigmaClassifierSkipsUnsupported(t *testing.T) {
	c, stats := ParseSigmaRules([][]byte{[]byte(windowsRule), []byte(untaggedRule), []byte("not: [valid")}, "insider")
	if stats.Loaded != 0 || stats.SkippedDatasource != 1 || stats.SkippedUntagged != 1 || stats.SkippedInvalid != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := c.Classify(&models.Event{Type: models.EventLoginFail}); got != "insider" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestNewSigmaClassifierFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yml"), []byte(insiderRule), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, stats, err := NewSigmaClassifier(dir, "apt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.TotalFiles != 1 || c.Len() != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, _, err := NewSigmaClassifier(filepath.Join(dir, "missing"), "apt"); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestStaticClassifier(t *testing.T) {
	if got := (StaticClassifier{Category: " Insider "}).Classify(nil); got != "insider" {
		t.Fatalf("unexpected category %q", got)
	}
}

func TestRepositoryRules(t *testing.T) {
	c, stats, err := NewSigmaClassifier(filepath.Join("..", "..", "rules"), "apt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.Loaded != 3 {
		t.Fatalf("expected 3 rules, got %+v", stats)
	}
	cases := []struct {
		event models.Event
		want  string
	}{
		{models.Event{Type: models.EventPrivilegeEscalation}, "apt"},
		{models.Event{Type: models.EventFileTransfer, FileName: "q3_confidential.pdf"}, "insider"},
		{models.Event{Type: models.EventEmailSend}, "insider"},
		{models.Event{Type: models.EventLoginFail}, "apt"},
	}
	for _, tc := range cases {
		ev := tc.event
		if got := c.Classify(&ev); got != tc.want {
			t.Fatalf("%s: got %s want %s", ev.Type, got, tc.want)
		}
	}
}
