package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FieldType identifies the widget behavior of a field.
type FieldType string

// Supported field types.
const (
	FieldSelect         FieldType = "select"
	FieldNumber         FieldType = "number"
	FieldDate           FieldType = "date"
	FieldToggle         FieldType = "toggle"
	FieldCheckbox       FieldType = "checkbox"
	FieldFile           FieldType = "file"
	FieldTextarea       FieldType = "textarea"
	FieldMultiSelect    FieldType = "multiSelect"
	FieldRepeatableCard FieldType = "repeatableCard"
	FieldReadOnly       FieldType = "readOnly"
	FieldTable          FieldType = "table"
	FieldString         FieldType = "string"
)

// Valid reports whether t is one of the supported field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldSelect, FieldNumber, FieldDate, FieldToggle, FieldCheckbox, FieldFile,
		FieldTextarea, FieldMultiSelect, FieldRepeatableCard, FieldReadOnly, FieldTable, FieldString:
		return true
	}
	return false
}

// IsList reports whether values of this type are lists.
func (t FieldType) IsList() bool {
	return t == FieldMultiSelect || t == FieldRepeatableCard || t == FieldTable
}

// Reserved step identifiers.
const (
	StepReview       = "review"
	StepPostApproval = "postApproval"
)

// ParValueKey is the form-value key seeded from WizardSchema.ParValue.
const ParValueKey = "parValue"

// ValueSourceExternal marks a field whose value comes from an outside system.
const ValueSourceExternal = "external"

// WizardSchema is the declarative description of a multi-step wizard.
type WizardSchema struct {
	ID             string              `yaml:"id" json:"id"`
	Version        string              `yaml:"version" json:"version"`
	Title          string              `yaml:"title" json:"title"`
	Description    string              `yaml:"description,omitempty" json:"description,omitempty"`
	ParValue       float64             `yaml:"parValue" json:"parValue"`
	DriverFields   []string            `yaml:"driverFields,omitempty" json:"driverFields,omitempty"`
	ExternalValues map[string]any      `yaml:"externalValues,omitempty" json:"externalValues,omitempty"`
	OptionSources  map[string][]Option `yaml:"optionSources,omitempty" json:"optionSources,omitempty"`
	Steps          []StepSchema        `yaml:"steps" json:"steps"`

	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// defaultDriverFields are consulted for dynamic options when a schema does
// not declare its own.
var defaultDriverFields = []string{"issuerType", "securityType"}

// Drivers returns the ordered driver field ids used to resolve dynamic option
// mappings.
func (s *WizardSchema) Drivers() []string {
	if len(s.DriverFields) > 0 {
		return s.DriverFields
	}
	return defaultDriverFields
}

// StepIndex returns the index of the step with the given id, or -1.
func (s *WizardSchema) StepIndex(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Step returns the step at index, or nil when out of range.
func (s *WizardSchema) Step(index int) *StepSchema {
	if index < 0 || index >= len(s.Steps) {
		return nil
	}
	return &s.Steps[index]
}

// FirstField returns the first definition of id in schema order, ignoring
// visibility.
func (s *WizardSchema) FirstField(id string) *FieldSchema {
	for si := range s.Steps {
		for fi := range s.Steps[si].Fields {
			if s.Steps[si].Fields[fi].ID == id {
				return &s.Steps[si].Fields[fi]
			}
		}
	}
	return nil
}

// StepSchema is one page of the wizard.
type StepSchema struct {
	ID          string        `yaml:"id" json:"id"`
	Title       string        `yaml:"title" json:"title"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []FieldSchema `yaml:"fields" json:"fields"`
}

// IsReserved reports whether the step is the review or post-approval step.
func (s *StepSchema) IsReserved() bool {
	return s.ID == StepReview || s.ID == StepPostApproval
}

// FieldSchema describes one form field. Several entries in a step may share
// an id when their visibility predicates are mutually exclusive.
type FieldSchema struct {
	ID            string         `yaml:"id" json:"id"`
	Type          FieldType      `yaml:"type" json:"type"`
	Label         string         `yaml:"label" json:"label"`
	HelpText      string         `yaml:"helpText,omitempty" json:"helpText,omitempty"`
	Required      bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Options       *OptionSet     `yaml:"options,omitempty" json:"options,omitempty"`
	OptionsSource string         `yaml:"optionsSource,omitempty" json:"optionsSource,omitempty"`
	VisibleWhen   *VisibleWhen   `yaml:"visibleWhen,omitempty" json:"visibleWhen,omitempty"`
	Formula       string         `yaml:"formula,omitempty" json:"formula,omitempty"`
	ReadOnly      bool           `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
	Value         any            `yaml:"value,omitempty" json:"value,omitempty"`
	ValueSource   string         `yaml:"valueSource,omitempty" json:"valueSource,omitempty"`
	Fields        []FieldSchema  `yaml:"fields,omitempty" json:"fields,omitempty"`
	Columns       []ColumnSchema `yaml:"columns,omitempty" json:"columns,omitempty"`
}

// IsComputed reports whether the field value is derived from a formula.
func (f *FieldSchema) IsComputed() bool {
	return f.Formula != ""
}

// IsEditable reports whether direct user input is accepted for the field.
func (f *FieldSchema) IsEditable() bool {
	return !f.IsComputed() && !f.ReadOnly && f.Type != FieldReadOnly && f.ValueSource != ValueSourceExternal
}

// SubField returns the nested field of a repeatableCard by id.
func (f *FieldSchema) SubField(id string) *FieldSchema {
	for i := range f.Fields {
		if f.Fields[i].ID == id {
			return &f.Fields[i]
		}
	}
	return nil
}

// Column returns the table column by id.
func (f *FieldSchema) Column(id string) *ColumnSchema {
	for i := range f.Columns {
		if f.Columns[i].ID == id {
			return &f.Columns[i]
		}
	}
	return nil
}

// ColumnSchema describes one column of a table field. A formula column may
// reference other columns of the same row and aggregates over all rows.
type ColumnSchema struct {
	ID      string    `yaml:"id" json:"id"`
	Label   string    `yaml:"label" json:"label"`
	Type    FieldType `yaml:"type" json:"type"`
	Formula string    `yaml:"formula,omitempty" json:"formula,omitempty"`
}

// VisibleWhen makes a field visible only while a sibling field holds one of
// the listed values.
type VisibleWhen struct {
	Field string `yaml:"field" json:"field"`
	In    []any  `yaml:"in" json:"in"`
}

// Matches reports whether value is a member of the allowed set. Values are
// compared by canonical string form so 1000, 1000.0 and "1000" are equal.
func (v *VisibleWhen) Matches(value any, present bool) bool {
	if !present || value == nil {
		return false
	}
	got := CanonicalString(value)
	for _, allowed := range v.In {
		if CanonicalString(allowed) == got {
			return true
		}
	}
	return false
}

// Option is one selectable entry from an option source.
type Option struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

// OptionSet is either a flat list of options or a mapping from a driver
// field's value to a list of options.
type OptionSet struct {
	Static   []string
	ByDriver map[string][]string
}

// IsDynamic reports whether the options depend on a driver field.
func (o *OptionSet) IsDynamic() bool {
	return o != nil && o.ByDriver != nil
}

// UnmarshalYAML accepts a sequence or a mapping.
func (o *OptionSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&o.Static)
	case yaml.MappingNode:
		return node.Decode(&o.ByDriver)
	default:
		return fmt.Errorf("options: expected list or mapping, got %s", node.Tag)
	}
}

// MarshalYAML emits the populated form.
func (o OptionSet) MarshalYAML() (any, error) {
	if o.ByDriver != nil {
		return o.ByDriver, nil
	}
	return o.Static, nil
}

// UnmarshalJSON accepts an array or an object.
func (o *OptionSet) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &o.Static); err == nil {
		return nil
	}
	o.Static = nil
	if err := json.Unmarshal(data, &o.ByDriver); err != nil {
		return fmt.Errorf("options: expected array or object: %w", err)
	}
	return nil
}

// MarshalJSON emits the populated form.
func (o OptionSet) MarshalJSON() ([]byte, error) {
	if o.ByDriver != nil {
		return json.Marshal(o.ByDriver)
	}
	return json.Marshal(o.Static)
}
