package definition

import (
	"fmt"

	"github.com/pitabwire/offerdesk/internal/formula"
	"github.com/pitabwire/offerdesk/model"
)

// VError describes a single validation error in a schema.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks schemas structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all schemas.
func (v *Validator) Validate(schemas []model.WizardSchema) []VError {
	var errs []VError
	seen := make(map[string]bool)
	for i, s := range schemas {
		prefix := fmt.Sprintf("schemas[%d]", i)
		if s.ID != "" && seen[s.ID] {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("schema %q is defined more than once", s.ID)})
		}
		seen[s.ID] = true
		errs = append(errs, v.validateSchema(prefix, s)...)
	}
	return errs
}

func (v *Validator) validateSchema(prefix string, s model.WizardSchema) []VError {
	var errs []VError

	if s.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if s.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(s.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	// Every field id in the schema, for formula and visibility references.
	known := map[string]bool{model.ParValueKey: true}
	for _, step := range s.Steps {
		for _, f := range step.Fields {
			known[f.ID] = true
		}
	}

	stepIDs := make(map[string]bool)
	for i, step := range s.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if step.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if stepIDs[step.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("step %q is defined more than once", step.ID)})
		}
		stepIDs[step.ID] = true
		if step.Title == "" {
			errs = append(errs, VError{Path: sp + ".title", Code: "REQUIRED", Message: "title is required"})
		}

		for j, f := range step.Fields {
			errs = append(errs, v.validateField(fmt.Sprintf("%s.fields[%d]", sp, j), f, known)...)
		}
		errs = append(errs, v.validateAlternates(sp, step)...)
	}

	errs = append(errs, v.validateReservedSteps(prefix, s)...)
	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldSchema, known map[string]bool) []VError {
	var errs []VError

	if f.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if f.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if !f.Type.Valid() {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", f.Type)})
	}

	if f.VisibleWhen != nil {
		if !known[f.VisibleWhen.Field] {
			errs = append(errs, VError{Path: prefix + ".visibleWhen.field", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("field %q not found in schema", f.VisibleWhen.Field)})
		}
		if len(f.VisibleWhen.In) == 0 {
			errs = append(errs, VError{Path: prefix + ".visibleWhen.in", Code: "REQUIRED", Message: "at least one allowed value is required"})
		}
	}

	if f.Formula != "" {
		errs = append(errs, v.validateFormula(prefix+".formula", f.Formula, known, nil)...)
	}

	switch f.Type {
	case model.FieldSelect:
		if f.Options == nil && f.OptionsSource == "" {
			errs = append(errs, VError{Path: prefix + ".options", Code: "REQUIRED", Message: "select requires options or optionsSource"})
		}
	case model.FieldRepeatableCard:
		if len(f.Fields) == 0 {
			errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "repeatableCard requires nested fields"})
		}
		for i, sub := range f.Fields {
			sp := fmt.Sprintf("%s.fields[%d]", prefix, i)
			if sub.ID == "" || sub.ID == model.RecordIDKey {
				errs = append(errs, VError{Path: sp + ".id", Code: "INVALID_ID", Message: "nested field id must be set and not \"id\""})
			}
			if !sub.Type.Valid() || sub.Type == model.FieldRepeatableCard || sub.Type == model.FieldTable {
				errs = append(errs, VError{Path: sp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid nested field type %q", sub.Type)})
			}
		}
	case model.FieldTable:
		if len(f.Columns) == 0 {
			errs = append(errs, VError{Path: prefix + ".columns", Code: "REQUIRED", Message: "table requires columns"})
		}
		cols := make(map[string]bool, len(f.Columns))
		for _, c := range f.Columns {
			cols[c.ID] = true
		}
		for i, c := range f.Columns {
			cp := fmt.Sprintf("%s.columns[%d]", prefix, i)
			if c.ID == "" || c.ID == model.RecordIDKey {
				errs = append(errs, VError{Path: cp + ".id", Code: "INVALID_ID", Message: "column id must be set and not \"id\""})
			}
			if c.Formula != "" {
				errs = append(errs, v.validateFormula(cp+".formula", c.Formula, cols, cols)...)
			}
		}
	}

	return errs
}

// validateFormula compiles expr and checks that identifiers and aggregate
// columns resolve. A nil columns set means aggregates are not allowed.
func (v *Validator) validateFormula(path, expr string, idents, columns map[string]bool) []VError {
	compiled, err := formula.Compile(expr)
	if err != nil {
		return []VError{{Path: path, Code: "INVALID_FORMULA", Message: err.Error()}}
	}
	var errs []VError
	for _, id := range compiled.Identifiers() {
		if !idents[id] {
			errs = append(errs, VError{Path: path, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("formula references unknown field %q", id)})
		}
	}
	for _, col := range compiled.Columns() {
		if columns == nil {
			errs = append(errs, VError{Path: path, Code: "INVALID_FORMULA", Message: "aggregates are only allowed in table columns"})
			break
		}
		if !columns[col] {
			errs = append(errs, VError{Path: path, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("aggregate references unknown column %q", col)})
		}
	}
	return errs
}

// validateAlternates requires fields sharing an id within a step to be gated
// on the same driver with disjoint value sets, so at most one is visible.
func (v *Validator) validateAlternates(prefix string, step model.StepSchema) []VError {
	var errs []VError
	byID := make(map[string][]int)
	for i, f := range step.Fields {
		byID[f.ID] = append(byID[f.ID], i)
	}
	for id, idxs := range byID {
		if len(idxs) < 2 {
			continue
		}
		allowed := make(map[string]int)
		driver := ""
		for _, i := range idxs {
			f := step.Fields[i]
			fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
			if f.VisibleWhen == nil {
				errs = append(errs, VError{Path: fp + ".visibleWhen", Code: "AMBIGUOUS_ALTERNATE", Message: fmt.Sprintf("field %q shares its id and must declare visibleWhen", id)})
				continue
			}
			if driver == "" {
				driver = f.VisibleWhen.Field
			} else if f.VisibleWhen.Field != driver {
				errs = append(errs, VError{Path: fp + ".visibleWhen.field", Code: "AMBIGUOUS_ALTERNATE", Message: fmt.Sprintf("alternates of %q must be gated on the same field", id)})
				continue
			}
			for _, val := range f.VisibleWhen.In {
				key := model.CanonicalString(val)
				if prev, dup := allowed[key]; dup && prev != i {
					errs = append(errs, VError{Path: fp + ".visibleWhen.in", Code: "AMBIGUOUS_ALTERNATE", Message: fmt.Sprintf("alternates of %q are both visible when %s is %q", id, driver, key)})
				}
				allowed[key] = i
			}
		}
	}
	return errs
}

// validateReservedSteps requires review and postApproval, when present, to be
// the final steps in that order.
func (v *Validator) validateReservedSteps(prefix string, s model.WizardSchema) []VError {
	var errs []VError
	review := s.StepIndex(model.StepReview)
	post := s.StepIndex(model.StepPostApproval)
	last := len(s.Steps) - 1

	if post >= 0 && post != last {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "RESERVED_STEP_ORDER", Message: "postApproval must be the last step"})
	}
	if post >= 0 && review < 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "RESERVED_STEP_ORDER", Message: "postApproval requires a review step"})
	}
	if review >= 0 {
		want := last
		if post >= 0 {
			want = last - 1
		}
		if review != want {
			errs = append(errs, VError{Path: prefix + ".steps", Code: "RESERVED_STEP_ORDER", Message: "review must come after every data entry step"})
		}
	}
	return errs
}
