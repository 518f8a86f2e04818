package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RecordIDKey is the key holding a repeatable card or table row identity.
const RecordIDKey = "id"

// DateLayout is the wire format of date values.
const DateLayout = "2006-01-02"

// FormValues is the flat map from field id to value that every widget
// mutates. Canonical value types are string, float64, bool, time.Time,
// FileUpload, []string and []Record.
type FormValues map[string]any

// Clone returns a deep copy of the map.
func (fv FormValues) Clone() FormValues {
	if fv == nil {
		return nil
	}
	out := make(FormValues, len(fv))
	for k, v := range fv {
		out[k] = cloneValue(v)
	}
	return out
}

// Record is a repeatable card entry or table row.
type Record map[string]any

// ID returns the record identity.
func (r Record) ID() string {
	id, _ := r[RecordIDKey].(string)
	return id
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []Record:
		out := make([]Record, len(t))
		for i, r := range t {
			out[i] = r.Clone()
		}
		return out
	case Record:
		return t.Clone()
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// FileUpload describes an uploaded file. The binary content is handled
// elsewhere; only the descriptor is kept in form values.
type FileUpload struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// IsEmpty reports whether a value counts as "not provided" for required
// field validation. Numeric zero is a provided value.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case bool:
		return !t
	case []string:
		return len(t) == 0
	case []Record:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case FileUpload:
		return t.Name == ""
	case *FileUpload:
		return t == nil || t.Name == ""
	case time.Time:
		return t.IsZero()
	case float64:
		return math.IsNaN(t)
	}
	return false
}

// ToNumber converts a form value to a float64. Strings may carry thousands
// separators and surrounding spaces.
func ToNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// CanonicalString renders scalar values in a stable form used for equality
// checks across representations.
func CanonicalString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(DateLayout)
	}
	if f, ok := ToNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
