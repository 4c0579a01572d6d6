package alertclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"threatscope/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL           string
	Database      string
	AlertTable    string
	IncidentTable string
	Username      string
	Password      string
	Timeout       time.Duration
	Headers       map[string]string
}

// Writer sends alerts and incidents to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	alertEndpoint    string
	incidentEndpoint string
	headers          map[string]string
	client           *http.Client
}

type alertRow struct {
	AlertID        string  `json:"alert_id"`
	Timestamp      string  `json:"timestamp"`
	UserID         string  `json:"user_id"`
	ThreatScore    float64 `json:"threat_score"`
	ThreatLevel    string  `json:"threat_level"`
	ThreatCategory string  `json:"threat_category"`
	EventType      string  `json:"event_type"`
	MitreTactic    string  `json:"mitre_tactic"`
	MitreTechnique string  `json:"mitre_technique"`
	Description    string  `json:"description"`
	IncidentID     string  `json:"incident_id"`
}

type incidentRow struct {
	IncidentNumber string   `json:"incident_number"`
	UserID         string   `json:"user_id"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	Severity       string   `json:"severity"`
	Status         string   `json:"status"`
	Narrative      string   `json:"narrative"`
	AlertIDs       []string `json:"alert_ids"`
	AttackChain    string   `json:"attack_chain"`
	CreatedAt      string   `json:"created_at"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.AlertTable == "" {
		cfg.AlertTable = "threat_alerts"
	}
	if cfg.IncidentTable == "" {
		cfg.IncidentTable = "threat_incidents"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	base := strings.TrimRight(cfg.URL, "/")
	endpoint := func(table string) string {
		q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(table))
		return base + "/?query=" + url.QueryEscape(q)
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		alertEndpoint:    endpoint(cfg.AlertTable),
		incidentEndpoint: endpoint(cfg.IncidentTable),
		headers:          headers,
		client:           &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts inserts a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, alertRow{
			AlertID:        a.ID,
			Timestamp:      formatTime(a.Timestamp),
			UserID:         a.EntityID,
			ThreatScore:    a.Score,
			ThreatLevel:    string(a.Level),
			ThreatCategory: a.ThreatCategory,
			EventType:      string(a.EventType),
			MitreTactic:    a.Tactic,
			MitreTechnique: a.Technique,
			Description:    a.Description,
			IncidentID:     a.IncidentID,
		})
	}
	return w.insert(w.alertEndpoint, rows)
}

// WriteIncidents inserts a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(incidents))
	for _, inc := range incidents {
		chain, err := json.Marshal(inc.AttackChain)
		if err != nil {
			return fmt.Errorf("failed to marshal attack chain: %w", err)
		}
		rows = append(rows, incidentRow{
			IncidentNumber: inc.ID,
			UserID:         inc.EntityID,
			StartTime:      formatTime(inc.StartTime),
			EndTime:        formatTime(inc.EndTime),
			Severity:       string(inc.Severity),
			Status:         string(inc.Status),
			Narrative:      inc.Narrative,
			AlertIDs:       inc.AlertIDs,
			AttackChain:    string(chain),
			CreatedAt:      formatTime(inc.CreatedAt),
		})
	}
	return w.insert(w.incidentEndpoint, rows)
}

func (w *Writer) insert(endpoint string, rows []interface{}) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
