package mitre

import (
	"strings"

	"threatscope/pkg/models"
)

const (
	// UnknownTactic is returned when no mapping exists.
	UnknownTactic = "TA0000"
	// UnknownTechnique is returned when no mapping exists.
	UnknownTechnique = "T0000"

	// CategoryAPT is the default threat category.
	CategoryAPT = "apt"
	// CategoryInsider covers data theft by legitimate accounts.
	CategoryInsider = "insider"
)

// Mapping pairs a tactic id with a technique id.
type Mapping struct {
	Tactic    string `json:"tactic"`
	Technique string `json:"technique"`
}

var categoryTable = map[string]map[models.EventType]Mapping{
	CategoryAPT: {
		models.EventLoginFail:           {"TA0001", "T1110"},
		models.EventLoginSuccess:        {"TA0001", "T1078"},
		models.EventPrivilegeEscalation: {"TA0004", "T1068"},
		models.EventFileAccess:          {"TA0008", "T1021"},
		models.EventFileTransfer:        {"TA0010", "T1041"},
	},
	CategoryInsider: {
		models.EventFileAccess:   {"TA0009", "T1005"},
		models.EventFileTransfer: {"TA0010", "T1048"},
		models.EventEmailSend:    {"TA0009", "T1114"},
	},
}

var tacticNames = map[string]string{
	"TA0001": "Initial Access",
	"TA0002": "Execution",
	"TA0003": "Persistence",
	"TA0004": "Privilege Escalation",
	"TA0005": "Defense Evasion",
	"TA0006": "Credential Access",
	"TA0007": "Discovery",
	"TA0008": "Lateral Movement",
	"TA0009": "Collection",
	"TA0010": "Exfiltration",
	"TA0011": "Command and Control",
	"TA0040": "Impact",
}

type stageMatch struct {
	stage   string
	needles []string
}

// Order matters: the first stage whose needle is contained in the tactic wins.
var stageOrder = []stageMatch{
	{"Initial Access", []string{"initial access"}},
	{"Execution", []string{"execution"}},
	{"Persistence", []string{"persistence"}},
	{"Privilege Escalation", []string{"privilege escalation"}},
	{"Defense Evasion", []string{"defense evasion"}},
	{"Credential Access", []string{"credential access"}},
	{"Discovery", []string{"discovery"}},
	{"Lateral Movement", []string{"lateral movement"}},
	{"Collection", []string{"collection"}},
	{"Exfiltration", []string{"exfiltration"}},
	{"Command & Control", []string{"command and control", "command & control", "c2"}},
}

// Resolve maps a threat category and event type to ATT&CK ids.
// Unknown combinations return the sentinel pair.
func Resolve(category string, eventType models.EventType) Mapping {
	table := categoryTable[strings.ToLower(strings.TrimSpace(category))]
	if m, ok := table[eventType]; ok {
		return m
	}
	return Mapping{Tactic: UnknownTactic, Technique: UnknownTechnique}
}

// TacticName returns the ATT&CK name of a tactic id, or "" when unknown.
func TacticName(id string) string {
	return tacticNames[strings.ToUpper(strings.TrimSpace(id))]
}

// StageOf classifies a tactic into a kill-chain stage.
// Tactic ids are translated to names first; empty input yields "Unknown".
func StageOf(tactic string) string {
	t := strings.TrimSpace(tactic)
	if t == "" {
		return "Unknown"
	}
	if name := TacticName(t); name != "" {
		t = name
	}
	t = strings.ToLower(t)
	t = strings.ReplaceAll(t, "_", " ")
	t = strings.ReplaceAll(t, "-", " ")
	for _, sm := range stageOrder {
		for _, needle := range sm.needles {
			if strings.Contains(t, needle) {
				return sm.stage
			}
		}
	}
	return "Other"
}

// Categories returns the known threat categories.
func Categories() []string {
	return []string{CategoryAPT, CategoryInsider}
}
