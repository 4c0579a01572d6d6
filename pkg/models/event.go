package models

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFail           EventType = "login_fail"
	EventFileAccess          EventType = "file_access"
	EventFileTransfer        EventType = "file_transfer"
	EventEmailSend           EventType = "email_send"
	EventHTTPRequest         EventType = "http_request"
	EventPrivilegeEscalation EventType = "privilege_escalation"
)

// Event is a normalized per-entity security event.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	EntityID         string    `json:"user_id"`
	Type             EventType `json:"event_type"`
	SrcIP            string    `json:"src_ip"`
	DstIP            string    `json:"dst_ip,omitempty"`
	BytesTransferred int64     `json:"bytes_transferred,omitempty"`
	FileName         string    `json:"file_name,omitempty"`
	Process          string    `json:"process,omitempty"`
	Device           string    `json:"device,omitempty"`
	Success          bool      `json:"success"`
	GeoCountry       string    `json:"geo_country,omitempty"`
}

// Field returns a string view of a named field, used by rule evaluation.
func (e *Event) Field(name string) string {
	if e == nil {
		return ""
	}
	switch name {
	case "user_id":
		return e.EntityID
	case "event_type":
		return string(e.Type)
	case "src_ip":
		return e.SrcIP
	case "dst_ip":
		return e.DstIP
	case "file_name":
		return e.FileName
	case "process":
		return e.Process
	case "device":
		return e.Device
	case "geo_country":
		return e.GeoCountry
	default:
		return ""
	}
}
