package wizard

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/model"
)

// Options returns the options currently offered by f. known is false when
// an optionsSource could not be resolved; callers then accept any value.
func (e *Engine) Options(ctx context.Context, f *model.FieldSchema) (opts []model.Option, known bool) {
	if f.OptionsSource != "" {
		return e.sourceOptions(ctx, f.OptionsSource)
	}
	e.mu.Lock()
	ids := e.schemaOptions(f)
	e.mu.Unlock()
	return toOptions(ids), true
}

// sourceOptions resolves key through the resolver, falling back to the
// schema's own optionSources.
func (e *Engine) sourceOptions(ctx context.Context, key string) ([]model.Option, bool) {
	if e.resolver != nil {
		opts, err := e.resolver.Resolve(ctx, e.tenantID, key)
		if err == nil {
			return opts, true
		}
		e.logger.Warn("options source unavailable", zap.String("source", key), zap.Error(err))
	}
	if opts, ok := e.schema.OptionSources[key]; ok {
		return opts, true
	}
	return nil, false
}

// schemaOptions returns the option ids declared inline on f. Driver-keyed
// options follow the first driver field whose value has a mapping; with no
// match the list is empty.
func (e *Engine) schemaOptions(f *model.FieldSchema) []string {
	if f.Options == nil {
		return nil
	}
	if !f.Options.IsDynamic() {
		return f.Options.Static
	}
	for _, driver := range e.schema.Drivers() {
		if driver == f.ID {
			continue
		}
		v, ok := e.values[driver]
		if !ok || model.IsEmpty(v) {
			continue
		}
		if ids, ok := f.Options.ByDriver[model.CanonicalString(v)]; ok {
			return ids
		}
	}
	return nil
}

func toOptions(ids []string) []model.Option {
	out := make([]model.Option, len(ids))
	for i, id := range ids {
		out[i] = model.Option{ID: id, Label: id}
	}
	return out
}

// reconcileSelections keeps inline select values consistent with the
// options their drivers currently allow. A value no longer offered is
// dropped and a select that narrows to exactly one option is filled. Either
// change can move further driver-keyed options, so it repeats until nothing
// changes.
func (e *Engine) reconcileSelections() {
	for pass := 0; pass <= len(e.schema.Steps)*4; pass++ {
		changed := false
		for si := range e.schema.Steps {
			for _, f := range e.activeFields(si) {
				if f.OptionsSource != "" || !f.IsEditable() {
					continue
				}
				switch f.Type {
				case model.FieldSelect:
					changed = e.reconcileSelect(f) || changed
				case model.FieldMultiSelect:
					changed = e.pruneMultiSelect(f) || changed
				}
			}
		}
		if !changed {
			return
		}
	}
}

func (e *Engine) reconcileSelect(f *model.FieldSchema) bool {
	ids := e.schemaOptions(f)
	v := e.values[f.ID]
	if model.IsEmpty(v) {
		if len(ids) != 1 {
			return false
		}
		e.values[f.ID] = ids[0]
		delete(e.errors, f.ID)
		return true
	}
	if slices.Contains(ids, model.CanonicalString(v)) {
		return false
	}
	e.logger.Debug("dropping selection no longer offered", zap.String("field_id", f.ID))
	delete(e.values, f.ID)
	delete(e.errors, f.ID)
	return true
}

func (e *Engine) pruneMultiSelect(f *model.FieldSchema) bool {
	picked, ok := e.values[f.ID].([]string)
	if !ok || len(picked) == 0 {
		return false
	}
	ids := e.schemaOptions(f)
	kept := slices.DeleteFunc(slices.Clone(picked), func(p string) bool { return !slices.Contains(ids, p) })
	if len(kept) == len(picked) {
		return false
	}
	if len(kept) == 0 {
		delete(e.values, f.ID)
	} else {
		e.values[f.ID] = kept
	}
	return true
}

// withRecordIDs assigns an id to every record that lacks one.
func (e *Engine) withRecordIDs(v any) any {
	records, ok := v.([]model.Record)
	if !ok {
		return v
	}
	for _, r := range records {
		if r.ID() == "" {
			r[model.RecordIDKey] = e.newID()
		}
	}
	return records
}

// Edit applies user input to the visible definition of id. The value is
// normalized by the field's widget; select values must be among the offered
// options. Errors are *model.ErrorEnvelope.
func (e *Engine) Edit(ctx context.Context, id string, raw any) error {
	e.mu.Lock()
	f := e.activeField(id)
	e.mu.Unlock()
	if f == nil {
		if e.schema.FirstField(id) == nil {
			return model.NewNotFoundError(fmt.Sprintf("Field %q is not part of this wizard", id))
		}
		return model.NewInvalidValueError(id, fmt.Sprintf("Field %q is not currently visible", id))
	}
	if !f.IsEditable() {
		return model.NewFieldReadOnlyError(id)
	}

	v, err := normalize(f, raw)
	if err != nil {
		return model.NewInvalidValueError(id, err.Error())
	}
	if v != nil && (f.Type == model.FieldSelect || f.Type == model.FieldMultiSelect) {
		if err := e.checkMembership(ctx, f, v); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A concurrent edit may have hidden the field in the meantime.
	if e.activeField(id) != f {
		return model.NewInvalidValueError(id, fmt.Sprintf("Field %q is not currently visible", id))
	}
	e.setLocked(id, e.withRecordIDs(v))
	e.observer.FieldEdited(e.schema.ID, f.Type)
	return nil
}

func (e *Engine) checkMembership(ctx context.Context, f *model.FieldSchema, v any) error {
	opts, known := e.Options(ctx, f)
	if !known {
		return nil
	}
	allowed := make(map[string]bool, len(opts))
	for _, o := range opts {
		allowed[o.ID] = true
	}
	var picked []string
	switch t := v.(type) {
	case string:
		picked = []string{t}
	case []string:
		picked = t
	}
	for _, p := range picked {
		if !allowed[p] {
			return model.NewInvalidValueError(f.ID, fmt.Sprintf("%q is not an option of %s", p, f.Label))
		}
	}
	return nil
}

// ClearField removes the value of id. Read-only fields cannot be cleared.
func (e *Engine) ClearField(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.activeField(id)
	if f == nil {
		f = e.schema.FirstField(id)
	}
	if f == nil {
		return model.NewNotFoundError(fmt.Sprintf("Field %q is not part of this wizard", id))
	}
	if !f.IsEditable() {
		return model.NewFieldReadOnlyError(id)
	}
	e.setLocked(id, nil)
	return nil
}
