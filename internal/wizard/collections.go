package wizard

import (
	"fmt"

	"github.com/pitabwire/offerdesk/internal/formula"
	"github.com/pitabwire/offerdesk/model"
)

// collectionField returns the visible, editable repeatableCard or table
// definition of id.
func (e *Engine) collectionField(id string) (*model.FieldSchema, error) {
	f := e.activeField(id)
	if f == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("Field %q is not currently visible", id))
	}
	if f.Type != model.FieldRepeatableCard && f.Type != model.FieldTable {
		return nil, model.NewBadRequestError(fmt.Sprintf("Field %q does not hold items", id))
	}
	if !f.IsEditable() {
		return nil, model.NewFieldReadOnlyError(id)
	}
	return f, nil
}

func (e *Engine) records(id string) []model.Record {
	records, _ := e.values[id].([]model.Record)
	return records
}

// AddItem appends a new card or row with a fresh id. Sub-fields start at
// their declared defaults.
func (e *Engine) AddItem(fieldID string) (model.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.collectionField(fieldID)
	if err != nil {
		return nil, err
	}
	rec := model.Record{model.RecordIDKey: e.newID()}
	for i := range f.Fields {
		sub := &f.Fields[i]
		if sub.Value == nil {
			continue
		}
		if v, err := normalize(sub, sub.Value); err == nil && v != nil {
			rec[sub.ID] = v
		}
	}

	current := e.records(fieldID)
	next := make([]model.Record, len(current), len(current)+1)
	copy(next, current)
	e.setLocked(fieldID, append(next, rec))
	e.observer.FieldEdited(e.schema.ID, f.Type)
	return rec.Clone(), nil
}

// RemoveItem deletes the card or row with itemID.
func (e *Engine) RemoveItem(fieldID, itemID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.collectionField(fieldID)
	if err != nil {
		return err
	}
	current := e.records(fieldID)
	next := make([]model.Record, 0, len(current))
	for _, r := range current {
		if r.ID() != itemID {
			next = append(next, r)
		}
	}
	if len(next) == len(current) {
		return model.NewNotFoundError(fmt.Sprintf("Item %q not found in %s", itemID, fieldID))
	}
	e.setLocked(fieldID, next)
	e.observer.FieldEdited(e.schema.ID, f.Type)
	return nil
}

// UpdateItem sets one sub-field of a card or one cell of a row. Formula
// columns are computed and reject input.
func (e *Engine) UpdateItem(fieldID, itemID, subID string, raw any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.collectionField(fieldID)
	if err != nil {
		return err
	}
	sub := subFieldOf(f, subID)
	if sub == nil {
		return model.NewNotFoundError(fmt.Sprintf("%s has no field %q", f.Label, subID))
	}
	if !sub.IsEditable() {
		return model.NewFieldReadOnlyError(fieldID + "." + subID)
	}
	v, err := normalize(sub, raw)
	if err != nil {
		return model.NewInvalidValueError(fieldID, err.Error())
	}
	if v != nil && sub.Type == model.FieldSelect && sub.Options != nil && !sub.Options.IsDynamic() {
		if !contains(sub.Options.Static, v.(string)) {
			return model.NewInvalidValueError(fieldID, fmt.Sprintf("%q is not an option of %s", v, sub.Label))
		}
	}

	current := e.records(fieldID)
	next := make([]model.Record, len(current))
	found := false
	for i, r := range current {
		if r.ID() != itemID {
			next[i] = r
			continue
		}
		found = true
		updated := r.Clone()
		if v == nil {
			delete(updated, subID)
		} else {
			updated[subID] = v
		}
		next[i] = updated
	}
	if !found {
		return model.NewNotFoundError(fmt.Sprintf("Item %q not found in %s", itemID, fieldID))
	}
	e.setLocked(fieldID, next)
	e.observer.FieldEdited(e.schema.ID, f.Type)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// TableRows returns the rows of a table with every formula column computed.
// Cells are recomputed on every call and never stored.
func (e *Engine) TableRows(fieldID string) []ComputedRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.activeField(fieldID)
	if f == nil || f.Type != model.FieldTable {
		return nil
	}
	return e.tableRows(f)
}

// ComputedRow is one table row with its formula cells evaluated.
type ComputedRow struct {
	ID       string                    `json:"id"`
	Cells    map[string]any            `json:"cells"`
	Computed map[string]formula.Result `json:"computed,omitempty"`
}

func (e *Engine) tableRows(f *model.FieldSchema) []ComputedRow {
	rows := e.records(f.ID)
	out := make([]ComputedRow, 0, len(rows))
	for _, r := range rows {
		row := ComputedRow{ID: r.ID(), Cells: make(map[string]any, len(f.Columns))}
		for i := range f.Columns {
			c := &f.Columns[i]
			if c.Formula == "" {
				if v, ok := r[c.ID]; ok {
					row.Cells[c.ID] = v
				}
				continue
			}
			if row.Computed == nil {
				row.Computed = make(map[string]formula.Result)
			}
			row.Computed[c.ID] = formula.Evaluate(c.Formula, rowEnv{row: r, rows: rows})
		}
		out = append(out, row)
	}
	return out
}

// rowEnv binds bare identifiers to the cells of one row and aggregate
// columns to every row of the table.
type rowEnv struct {
	row  model.Record
	rows []model.Record
}

func (r rowEnv) Lookup(name string) (any, bool) {
	v, ok := r.row[name]
	return v, ok
}

func (r rowEnv) Column(name string) []any {
	out := make([]any, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row[name])
	}
	return out
}
