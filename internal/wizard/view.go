package wizard

import (
	"context"
	"fmt"

	"golang.org/x/text/message"

	"github.com/pitabwire/offerdesk/internal/formula"
	"github.com/pitabwire/offerdesk/model"
)

// StepView is the render model of one step.
type StepView struct {
	Index       int         `json:"index"`
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Reserved    bool        `json:"reserved,omitempty"`
	Completion  int         `json:"completion"`
	Fields      []FieldView `json:"fields"`
}

// FieldView is the render model of one visible field.
type FieldView struct {
	ID        string               `json:"id"`
	Type      model.FieldType      `json:"type"`
	Label     string               `json:"label"`
	HelpText  string               `json:"help_text,omitempty"`
	Required  bool                 `json:"required,omitempty"`
	Editable  bool                 `json:"editable"`
	Value     any                  `json:"value,omitempty"`
	Display   string               `json:"display"`
	Options   []model.Option       `json:"options,omitempty"`
	Formula   *FormulaView         `json:"formula,omitempty"`
	Items     []model.Record       `json:"items,omitempty"`
	Rows      []ComputedRow        `json:"rows,omitempty"`
	Columns   []model.ColumnSchema `json:"columns,omitempty"`
	SubFields []model.FieldSchema  `json:"sub_fields,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// FormulaView describes a computed field's current result.
type FormulaView struct {
	Expression string  `json:"expression"`
	Available  bool    `json:"available"`
	Value      float64 `json:"value,omitempty"`
}

// StepView renders the visible fields of step index. A select whose options
// are currently empty is left out until a driver value offers some.
func (e *Engine) StepView(ctx context.Context, index int) (StepView, error) {
	step := e.schema.Step(index)
	if step == nil {
		return StepView{}, model.NewNotFoundError(fmt.Sprintf("Step %d does not exist", index))
	}

	e.mu.Lock()
	view := StepView{
		Index:       index,
		ID:          step.ID,
		Title:       step.Title,
		Description: step.Description,
		Reserved:    step.IsReserved(),
		Completion:  e.stepCompletion(index),
	}
	fields := e.activeFields(index)
	sourced := make(map[int]*model.FieldSchema)
	for _, f := range fields {
		fv := e.fieldView(f)
		if f.Type == model.FieldSelect || f.Type == model.FieldMultiSelect {
			if f.OptionsSource != "" {
				sourced[len(view.Fields)] = f
			} else {
				fv.Options = toOptions(e.schemaOptions(f))
				if f.Type == model.FieldSelect && len(fv.Options) == 0 {
					continue
				}
			}
		}
		view.Fields = append(view.Fields, fv)
	}
	e.mu.Unlock()

	for i, f := range sourced {
		opts, _ := e.sourceOptions(ctx, f.OptionsSource)
		view.Fields[i].Options = opts
	}
	return view, nil
}

// fieldView builds the render model of f. Caller holds e.mu.
func (e *Engine) fieldView(f *model.FieldSchema) FieldView {
	fv := FieldView{
		ID:       f.ID,
		Type:     f.Type,
		Label:    f.Label,
		HelpText: f.HelpText,
		Required: f.Required,
		Editable: f.IsEditable(),
		Error:    e.errors[f.ID],
	}
	if f.IsComputed() {
		r := e.evaluate(f.Formula, 0)
		fv.Formula = &FormulaView{Expression: f.Formula, Available: r.Available, Value: r.Value}
		fv.Display = formatResult(e.printer, r)
		if r.Available {
			fv.Value = r.Value
		}
		return fv
	}

	v, _ := e.effectiveValue(f)
	fv.Value = cloneAny(v)
	fv.Display = WidgetFor(f.Type).Format(e.printer, v)
	switch f.Type {
	case model.FieldRepeatableCard:
		fv.Items, _ = fv.Value.([]model.Record)
		fv.SubFields = f.Fields
	case model.FieldTable:
		fv.Rows = e.tableRows(f)
		fv.Columns = f.Columns
	}
	return fv
}

// display returns the review text of f's current value. Caller holds e.mu.
func (e *Engine) display(f *model.FieldSchema) string {
	if f.IsComputed() {
		return formatResult(e.printer, e.evaluate(f.Formula, 0))
	}
	v, _ := e.effectiveValue(f)
	return WidgetFor(f.Type).Format(e.printer, v)
}

func formatResult(p *message.Printer, r formula.Result) string {
	if !r.Available {
		return formula.Unavailable
	}
	return FormatNumber(p, r.Value)
}

func cloneAny(v any) any {
	return model.FormValues{"v": v}.Clone()["v"]
}
