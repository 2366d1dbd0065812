package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"crowdguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	fields := ParseJSONMap(obj)
	fields.Raw = string(data)
	return fields, nil
}

// ParseJSONList decodes a history response: a bare array, or an object wrapping one under
// "alerts", "counts" or "data".
func ParseJSONList(data []byte) ([]normalize.Fields, error) {
	trim := bytes.TrimSpace(data)
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	var list []map[string]interface{}
	if len(trim) > 0 && trim[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := dec.Decode(&wrapper); err != nil {
			return nil, err
		}
		var inner json.RawMessage
		for _, key := range []string{"alerts", "counts", "data"} {
			if v, ok := wrapper[key]; ok {
				inner = v
				break
			}
		}
		if inner == nil {
			return nil, fmt.Errorf("history object has no alerts, counts or data list")
		}
		return ParseJSONList(inner)
	}
	if err := dec.Decode(&list); err != nil {
		return nil, err
	}
	out := make([]normalize.Fields, 0, len(list))
	for _, obj := range list {
		if obj == nil {
			continue
		}
		out = append(out, *ParseJSONMap(obj))
	}
	return out, nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.Fields {
	fields := &normalize.Fields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = scalar(val)
	}
	fields.ID = firstNonEmpty(fields.Extras, "id", "alert_id")
	fields.Type = firstNonEmpty(fields.Extras, "type", "alert_type", "kind")
	fields.Severity = firstNonEmpty(fields.Extras, "severity", "level")
	fields.Message = firstNonEmpty(fields.Extras, "message", "msg", "description")
	fields.Count = numericOnly(obj, "count", "people", "person_count")
	fields.Velocity = numericOnly(obj, "velocity", "avg_velocity")
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts", "occurred_at")
	return fields
}

// numericOnly keeps JSON numbers and numeric-looking strings; booleans, objects and arrays
// become "" or a non-numeric marker so the normalizer rejects them.
func numericOnly(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		for name, v := range obj {
			if !strings.EqualFold(name, k) || v == nil {
				continue
			}
			switch n := v.(type) {
			case json.Number:
				return n.String()
			case float64:
				return fmt.Sprint(n)
			case string:
				return strings.TrimSpace(n)
			default:
				return fmt.Sprintf("%T", v)
			}
		}
	}
	return ""
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
