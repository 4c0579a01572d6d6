// Package eventjson decodes JSON security events into models.Event.
package eventjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"threatscope/pkg/models"
)

// ErrInvalidEvent marks events missing required fields or carrying bad values.
var ErrInvalidEvent = errors.New("invalid event")

// Parse converts one JSON object into a validated Event.
// Flat names (user_id, src_ip) and ECS-style dotted paths (user.name, source.ip) are accepted.
func Parse(data []byte) (*models.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return FromMap(raw)
}

// FromMap builds an Event from decoded JSON.
func FromMap(raw map[string]interface{}) (*models.Event, error) {
	event := &models.Event{
		EntityID:   strings.TrimSpace(getString(raw, "user_id", "user.name", "entity_id")),
		Type:       models.EventType(strings.ToLower(strings.TrimSpace(getString(raw, "event_type", "event.action")))),
		SrcIP:      strings.TrimSpace(getString(raw, "src_ip", "source_ip", "source.ip")),
		DstIP:      strings.TrimSpace(getString(raw, "dst_ip", "destination_ip", "destination.ip")),
		FileName:   getString(raw, "file_name", "file.name"),
		Process:    getString(raw, "process", "process_name", "process.name"),
		Device:     getString(raw, "device", "host.name"),
		GeoCountry: strings.TrimSpace(getString(raw, "geo_country", "source.geo.country_iso_code")),
		Success:    true,
	}

	if ts := getString(raw, "timestamp", "@timestamp"); ts != "" {
		t, ok := parseTimestamp(ts)
		if !ok {
			return nil, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidEvent, ts)
		}
		event.Timestamp = t
	}

	if n, ok, err := getInt64(raw, "bytes_transferred", "network.bytes"); err != nil {
		return nil, fmt.Errorf("%w: bytes_transferred: %v", ErrInvalidEvent, err)
	} else if ok {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative bytes_transferred %d", ErrInvalidEvent, n)
		}
		event.BytesTransferred = n
	}

	if v, ok := getPath(raw, "success"); ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: success must be a boolean", ErrInvalidEvent)
		}
		event.Success = b
	} else if outcome := getString(raw, "event.outcome"); outcome != "" {
		event.Success = !strings.EqualFold(outcome, "failure")
	}

	if err := Validate(event); err != nil {
		return nil, err
	}
	return event, nil
}

// Validate checks the required fields.
func Validate(event *models.Event) error {
	var missing []string
	if event.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if event.EntityID == "" {
		missing = append(missing, "user_id")
	}
	if event.Type == "" {
		missing = append(missing, "event_type")
	}
	if event.SrcIP == "" {
		missing = append(missing, "src_ip")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	if event.BytesTransferred < 0 {
		return fmt.Errorf("%w: negative bytes_transferred", ErrInvalidEvent)
	}
	return nil
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		// Zoned timestamps keep their offset for local-hour features.
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), true
	}
	return time.Time{}, false
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				if val != "" {
					return val
				}
			case float64:
				if val == float64(int64(val)) {
					return strconv.FormatInt(int64(val), 10)
				}
				return strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(val)
			}
		}
	}
	return ""
}

func getInt64(root map[string]interface{}, paths ...string) (int64, bool, error) {
	for _, path := range paths {
		v, ok := getPath(root, path)
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case float64:
			if val != float64(int64(val)) {
				return 0, false, fmt.Errorf("not an integer: %v", val)
			}
			return int64(val), true, nil
		case string:
			if strings.TrimSpace(val) == "" {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return 0, false, err
			}
			return n, true, nil
		default:
			return 0, false, fmt.Errorf("unexpected type %T", v)
		}
	}
	return 0, false, nil
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := root[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
