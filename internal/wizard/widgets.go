package wizard

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/pitabwire/offerdesk/model"
)

// Widget is the behavioral contract of one field type: which input it
// accepts and how its value is shown on the review page.
type Widget interface {
	// Normalize converts raw input to the canonical value type. A nil
	// result clears the field.
	Normalize(f *model.FieldSchema, raw any) (any, error)
	// Format renders a canonical value for display.
	Format(p *message.Printer, v any) string
}

// NotProvided is the display text of an empty value.
const NotProvided = "Not provided"

var widgets = map[model.FieldType]Widget{
	model.FieldString:         textWidget{multiline: false},
	model.FieldTextarea:       textWidget{multiline: true},
	model.FieldNumber:         numberWidget{},
	model.FieldSelect:         selectWidget{},
	model.FieldMultiSelect:    multiSelectWidget{},
	model.FieldDate:           dateWidget{},
	model.FieldToggle:         boolWidget{},
	model.FieldCheckbox:       boolWidget{},
	model.FieldFile:           fileWidget{},
	model.FieldRepeatableCard: recordsWidget{noun: "card"},
	model.FieldTable:          recordsWidget{noun: "row"},
	model.FieldReadOnly:       readOnlyWidget{},
}

// WidgetFor returns the widget for a field type, falling back to plain text
// for unknown types.
func WidgetFor(t model.FieldType) Widget {
	if w, ok := widgets[t]; ok {
		return w
	}
	return textWidget{}
}

func normalize(f *model.FieldSchema, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return WidgetFor(f.Type).Normalize(f, raw)
}

// columnField adapts a table column to a field so cells reuse the widgets.
func columnField(c *model.ColumnSchema) *model.FieldSchema {
	return &model.FieldSchema{ID: c.ID, Type: c.Type, Label: c.Label, Formula: c.Formula}
}

// --- text ---

type textWidget struct{ multiline bool }

var lineBreaks = regexp.MustCompile(`\s*(\r\n|\r|\n)\s*`)

func (w textWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s expects text", f.Label)
	}
	if w.multiline {
		return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n"), nil
	}
	return lineBreaks.ReplaceAllString(s, " "), nil
}

func (textWidget) Format(_ *message.Printer, v any) string {
	if model.IsEmpty(v) {
		return NotProvided
	}
	return model.CanonicalString(v)
}

// --- number ---

type numberWidget struct{}

func (numberWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	n, ok := model.ToNumber(raw)
	if !ok {
		return nil, fmt.Errorf("%s expects a number", f.Label)
	}
	return n, nil
}

func (numberWidget) Format(p *message.Printer, v any) string {
	n, ok := model.ToNumber(v)
	if !ok {
		return NotProvided
	}
	return FormatNumber(p, n)
}

// FormatNumber renders n with locale grouping: whole numbers without
// decimals, fractional values with two.
func FormatNumber(p *message.Printer, n float64) string {
	if n == math.Trunc(n) {
		return p.Sprint(number.Decimal(n, number.MaxFractionDigits(0)))
	}
	return p.Sprint(number.Decimal(n, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}

// --- select ---

type selectWidget struct{}

func (selectWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	switch raw.(type) {
	case string, bool, float64, int, int64:
	default:
		return nil, fmt.Errorf("%s expects a single option", f.Label)
	}
	s := model.CanonicalString(raw)
	if s == "" {
		return nil, nil
	}
	return s, nil
}

func (selectWidget) Format(_ *message.Printer, v any) string {
	if model.IsEmpty(v) {
		return NotProvided
	}
	return model.CanonicalString(v)
}

// --- multiSelect ---

type multiSelectWidget struct{}

func (multiSelectWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	var items []string
	switch t := raw.(type) {
	case []string:
		items = t
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s expects a list of option ids", f.Label)
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("%s expects a list of option ids", f.Label)
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func (multiSelectWidget) Format(_ *message.Printer, v any) string {
	return countOf(listLen(v), "selected", "selected")
}

// --- date ---

type dateWidget struct{}

// LongDateLayout is the review format of dates.
const LongDateLayout = "January 2, 2006"

func (dateWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	switch t := raw.(type) {
	case time.Time:
		return truncateDay(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if d, err := time.Parse(model.DateLayout, s); err == nil {
			return d, nil
		}
		if d, err := time.Parse(time.RFC3339, s); err == nil {
			return truncateDay(d), nil
		}
	}
	return nil, fmt.Errorf("%s expects a date (YYYY-MM-DD)", f.Label)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (dateWidget) Format(_ *message.Printer, v any) string {
	d, ok := v.(time.Time)
	if !ok || d.IsZero() {
		return NotProvided
	}
	return d.Format(LongDateLayout)
}

// --- toggle / checkbox ---

type boolWidget struct{}

func (boolWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "on":
			return true, nil
		case "false", "no", "off", "":
			return false, nil
		}
	}
	return nil, fmt.Errorf("%s expects true or false", f.Label)
}

func (boolWidget) Format(_ *message.Printer, v any) string {
	if b, _ := v.(bool); b {
		return "Yes"
	}
	return "No"
}

// --- file ---

type fileWidget struct{}

// binaryKeys are payload keys that would carry file content rather than a
// descriptor.
var binaryKeys = []string{"content", "data", "bytes", "blob"}

func (fileWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	var fu model.FileUpload
	switch t := raw.(type) {
	case model.FileUpload:
		fu = t
	case *model.FileUpload:
		if t == nil {
			return nil, nil
		}
		fu = *t
	case map[string]any:
		for _, k := range binaryKeys {
			if _, ok := t[k]; ok {
				return nil, fmt.Errorf("%s accepts a file descriptor only, not file content", f.Label)
			}
		}
		fu.Name, _ = t["name"].(string)
		fu.Type, _ = t["type"].(string)
		fu.URL, _ = t["url"].(string)
		if size, ok := model.ToNumber(t["size"]); ok {
			fu.Size = int64(size)
		}
	default:
		return nil, fmt.Errorf("%s expects a file descriptor", f.Label)
	}
	if strings.TrimSpace(fu.Name) == "" {
		return nil, fmt.Errorf("%s requires a file name", f.Label)
	}
	if fu.Size < 0 {
		return nil, fmt.Errorf("%s has a negative size", f.Label)
	}
	return fu, nil
}

func (fileWidget) Format(_ *message.Printer, v any) string {
	if fu, ok := v.(model.FileUpload); ok && fu.Name != "" {
		return fu.Name
	}
	return NotProvided
}

// --- repeatableCard / table ---

type recordsWidget struct{ noun string }

// Normalize converts each entry to a Record and each cell through the
// widget of its sub-field or column. Formula columns are not stored.
func (recordsWidget) Normalize(f *model.FieldSchema, raw any) (any, error) {
	var entries []map[string]any
	switch t := raw.(type) {
	case []model.Record:
		for _, r := range t {
			entries = append(entries, r)
		}
	case []map[string]any:
		entries = t
	case []any:
		for _, e := range t {
			switch m := e.(type) {
			case map[string]any:
				entries = append(entries, m)
			case model.Record:
				entries = append(entries, m)
			default:
				return nil, fmt.Errorf("%s expects a list of entries", f.Label)
			}
		}
	default:
		return nil, fmt.Errorf("%s expects a list of entries", f.Label)
	}

	out := make([]model.Record, 0, len(entries))
	for _, entry := range entries {
		rec := model.Record{}
		if id, ok := entry[model.RecordIDKey].(string); ok {
			rec[model.RecordIDKey] = id
		}
		for key, cell := range entry {
			if key == model.RecordIDKey {
				continue
			}
			sub := subFieldOf(f, key)
			if sub == nil || sub.IsComputed() {
				continue
			}
			v, err := normalize(sub, cell)
			if err != nil {
				return nil, err
			}
			rec[key] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func (w recordsWidget) Format(_ *message.Printer, v any) string {
	return countOf(listLen(v), w.noun, w.noun+"s")
}

// subFieldOf returns the nested field or column definition named key.
func subFieldOf(f *model.FieldSchema, key string) *model.FieldSchema {
	if f.Type == model.FieldTable {
		if c := f.Column(key); c != nil {
			return columnField(c)
		}
		return nil
	}
	return f.SubField(key)
}

// --- readOnly ---

type readOnlyWidget struct{}

func (readOnlyWidget) Normalize(_ *model.FieldSchema, raw any) (any, error) {
	return raw, nil
}

func (readOnlyWidget) Format(p *message.Printer, v any) string {
	if model.IsEmpty(v) {
		return NotProvided
	}
	if _, isString := v.(string); !isString {
		if n, ok := model.ToNumber(v); ok {
			return FormatNumber(p, n)
		}
	}
	return model.CanonicalString(v)
}

// --- helpers ---

func listLen(v any) int {
	switch t := v.(type) {
	case []string:
		return len(t)
	case []model.Record:
		return len(t)
	case []any:
		return len(t)
	}
	return 0
}

func countOf(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
