// Package wizard interprets a wizard schema: it owns the form values of one
// session, evaluates visibility and formulas, validates steps, dispatches
// edits to per-type widgets and persists drafts.
package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pitabwire/offerdesk/internal/draft"
	"github.com/pitabwire/offerdesk/internal/formula"
	"github.com/pitabwire/offerdesk/model"
)

// OptionResolver resolves an optionsSource key to its options.
type OptionResolver interface {
	Resolve(ctx context.Context, tenantID, key string) ([]model.Option, error)
}

// Observer receives engine events, typically to record metrics.
type Observer interface {
	FieldEdited(schemaID string, fieldType model.FieldType)
	ValidationFailed(schemaID, stepID string, errors int)
	DraftSaved(schemaID string, err error)
}

type nopObserver struct{}

func (nopObserver) FieldEdited(string, model.FieldType)  {}
func (nopObserver) ValidationFailed(string, string, int) {}
func (nopObserver) DraftSaved(string, error)             {}

// Option configures an Engine.
type Option func(*Engine)

// WithDraftStore persists drafts to store under key.
func WithDraftStore(store draft.Store, key string) Option {
	return func(e *Engine) {
		e.drafts = store
		e.draftKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source used for draft timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOptionResolver resolves optionsSource keys for tenantID.
func WithOptionResolver(r OptionResolver, tenantID string) Option {
	return func(e *Engine) {
		e.resolver = r
		e.tenantID = tenantID
	}
}

// WithExternalValues overrides the schema's simulated external values.
func WithExternalValues(values map[string]any) Option {
	return func(e *Engine) { e.external = values }
}

// WithIDGenerator sets the generator for repeatable card and table row ids.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLocale sets the locale used to format numbers for display.
func WithLocale(tag language.Tag) Option {
	return func(e *Engine) { e.printer = message.NewPrinter(tag) }
}

// Engine is the state container of one wizard session. All methods are safe
// for concurrent use; every read observes the latest committed edit.
type Engine struct {
	schema *model.WizardSchema

	mu      sync.Mutex
	values  model.FormValues
	errors  map[string]string
	current int
	dirty   bool
	// gen counts committed changes; a draft save only marks the engine
	// clean when no change landed while the store call was running.
	gen uint64

	drafts   draft.Store
	draftKey string
	resolver OptionResolver
	tenantID string
	external map[string]any
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
	observer Observer
	printer  *message.Printer

	stopAutoSave context.CancelFunc
	autoSaveDone chan struct{}
}

// NewEngine creates an engine for schema and initializes its values.
func NewEngine(schema *model.WizardSchema, opts ...Option) *Engine {
	e := &Engine{
		schema:   schema,
		external: schema.ExternalValues,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		observer: nopObserver{},
		printer:  message.NewPrinter(language.English),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("schema_id", schema.ID))
	e.Initialize()
	return e
}

// Schema returns the schema the engine interprets.
func (e *Engine) Schema() *model.WizardSchema { return e.schema }

// Initialize resets the values to the schema defaults: the par value plus
// every field's declared value. Fields without a default stay absent.
func (e *Engine) Initialize() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.values = model.FormValues{model.ParValueKey: e.schema.ParValue}
	for _, step := range e.schema.Steps {
		for i := range step.Fields {
			f := &step.Fields[i]
			if f.Value == nil {
				continue
			}
			if _, set := e.values[f.ID]; set {
				continue
			}
			v, err := normalize(f, f.Value)
			if err != nil {
				e.logger.Warn("ignoring invalid default value", zap.String("field_id", f.ID), zap.Error(err))
				continue
			}
			e.values[f.ID] = e.withRecordIDs(v)
		}
	}
	e.errors = make(map[string]string)
	e.current = 0
	e.reconcileSelections()
	e.dirty = false
	e.gen++
}

// SetFieldValue replaces the value of id and clears its validation error.
// A nil value removes the field. No validation happens here.
func (e *Engine) SetFieldValue(id string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLocked(id, value)
}

func (e *Engine) setLocked(id string, value any) {
	if value == nil {
		delete(e.values, id)
	} else {
		e.values[id] = value
	}
	delete(e.errors, id)
	e.reconcileSelections()
	e.touchLocked()
}

// touchLocked records a change that a draft save has not yet persisted.
func (e *Engine) touchLocked() {
	e.dirty = true
	e.gen++
}

// GetFieldValue returns the current value of id.
func (e *Engine) GetFieldValue(id string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[id]
	return v, ok
}

// Values returns a copy of the form values.
func (e *Engine) Values() model.FormValues {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values.Clone()
}

// ResolvedValues returns a copy of the form values with every visible
// formula field's available result and every external read-only value
// filled in.
func (e *Engine) ResolvedValues() model.FormValues {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.values.Clone()
	for si := range e.schema.Steps {
		for _, f := range e.activeFields(si) {
			if f.IsComputed() {
				if r := e.evaluate(f.Formula, 0); r.Available {
					out[f.ID] = r.Value
				}
				continue
			}
			if _, set := out[f.ID]; !set {
				if v, ok := e.effectiveValue(f); ok {
					out[f.ID] = v
				}
			}
		}
	}
	return out
}

// IsFieldVisible reports whether f is visible against the current values.
func (e *Engine) IsFieldVisible(f *model.FieldSchema) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible(f)
}

func (e *Engine) visible(f *model.FieldSchema) bool {
	if f.VisibleWhen == nil {
		return true
	}
	v, ok := e.values[f.VisibleWhen.Field]
	return f.VisibleWhen.Matches(v, ok)
}

// ActiveField returns the visible definition of id, searching every step.
// Returns nil when no definition of id is currently visible.
func (e *Engine) ActiveField(id string) *model.FieldSchema {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeField(id)
}

func (e *Engine) activeField(id string) *model.FieldSchema {
	for si := range e.schema.Steps {
		fields := e.schema.Steps[si].Fields
		for i := range fields {
			if fields[i].ID == id && e.visible(&fields[i]) {
				return &fields[i]
			}
		}
	}
	return nil
}

// activeFields returns the visible fields of a step, one per id, in schema
// order.
func (e *Engine) activeFields(stepIndex int) []*model.FieldSchema {
	step := e.schema.Step(stepIndex)
	if step == nil {
		return nil
	}
	seen := make(map[string]bool, len(step.Fields))
	var out []*model.FieldSchema
	for i := range step.Fields {
		f := &step.Fields[i]
		if seen[f.ID] || !e.visible(f) {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}

// effectiveValue returns the value shown for f: the form value, or for
// read-only fields the simulated external value.
func (e *Engine) effectiveValue(f *model.FieldSchema) (any, bool) {
	if v, ok := e.values[f.ID]; ok {
		return v, true
	}
	if f.Type == model.FieldReadOnly || f.ValueSource == model.ValueSourceExternal {
		v, ok := e.external[f.ID]
		return v, ok
	}
	return nil, false
}

// ComputeFormula evaluates expr against the current values. It never fails:
// problems yield an unavailable result.
func (e *Engine) ComputeFormula(expr string) formula.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluate(expr, 0)
}

const maxFormulaChain = 8

func (e *Engine) evaluate(expr string, depth int) formula.Result {
	return formula.Evaluate(expr, formulaEnv{e: e, depth: depth})
}

// formulaEnv resolves identifiers from the form values and, for formula
// fields, from their own computed results.
type formulaEnv struct {
	e     *Engine
	depth int
}

func (env formulaEnv) Lookup(name string) (any, bool) {
	if v, ok := env.e.values[name]; ok {
		return v, true
	}
	f := env.e.activeField(name)
	if f == nil {
		return nil, false
	}
	if f.IsComputed() && env.depth < maxFormulaChain {
		if r := env.e.evaluate(f.Formula, env.depth+1); r.Available {
			return r.Value, true
		}
		return nil, false
	}
	return env.e.effectiveValue(f)
}

func (formulaEnv) Column(string) []any { return nil }

// ValidateStep checks every visible required field of the step and replaces
// the error map with the result. Returns true when the step has no errors.
// Formula fields never block. An out of range index validates trivially.
func (e *Engine) ValidateStep(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = e.missingRequired(index)
	if n := len(e.errors); n > 0 {
		e.observer.ValidationFailed(e.schema.ID, e.schema.Steps[index].ID, n)
		return false
	}
	return true
}

// FirstInvalidStep validates steps 0 through last in order and stops at the
// first one with errors, leaving them in the error map. Returns -1 when every
// step passes.
func (e *Engine) FirstInvalidStep(last int) int {
	for i := 0; i <= last && i < len(e.schema.Steps); i++ {
		if !e.ValidateStep(i) {
			return i
		}
	}
	return -1
}

func (e *Engine) missingRequired(index int) map[string]string {
	errs := make(map[string]string)
	for _, f := range e.activeFields(index) {
		if f.IsComputed() || !f.Required || e.unoffered(f) {
			continue
		}
		v, _ := e.effectiveValue(f)
		if model.IsEmpty(v) {
			errs[f.ID] = fmt.Sprintf("%s is required", f.Label)
			continue
		}
		if f.Type == model.FieldRepeatableCard {
			if msg := missingInCards(f, v); msg != "" {
				errs[f.ID] = msg
			}
		}
	}
	return errs
}

// unoffered reports whether f is an inline select with no option to pick
// yet. Such a field is not rendered; its driver carries the error instead.
func (e *Engine) unoffered(f *model.FieldSchema) bool {
	return f.Type == model.FieldSelect && f.OptionsSource == "" && len(e.schemaOptions(f)) == 0
}

// missingInCards reports the first card missing a required sub-field.
func missingInCards(f *model.FieldSchema, v any) string {
	cards, _ := v.([]model.Record)
	for n, card := range cards {
		for i := range f.Fields {
			sub := &f.Fields[i]
			if sub.Required && model.IsEmpty(card[sub.ID]) {
				return fmt.Sprintf("%s #%d: %s is required", f.Label, n+1, sub.Label)
			}
		}
	}
	return ""
}

// Errors returns a copy of the current validation errors keyed by field id.
func (e *Engine) Errors() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.errors))
	for k, v := range e.errors {
		out[k] = v
	}
	return out
}

// SetCurrentStep moves to index unconditionally, clamped to the schema.
// Gating belongs to the navigator.
func (e *Engine) SetCurrentStep(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.clampStep(index)
	e.touchLocked()
}

func (e *Engine) clampStep(index int) int {
	if index < 0 {
		return 0
	}
	if last := len(e.schema.Steps) - 1; index > last {
		return last
	}
	return index
}

// CurrentStep returns the current step index.
func (e *Engine) CurrentStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Dirty reports whether there are edits not yet saved as a draft.
func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// --- drafts ---

// SaveDraft persists the values and current step. Failures are logged and
// reported as false; the engine stays usable without persistence.
func (e *Engine) SaveDraft(ctx context.Context) bool {
	if e.drafts == nil {
		return false
	}
	e.mu.Lock()
	d := draft.Draft{
		SchemaID:    e.schema.ID,
		FormValues:  e.values.Clone(),
		CurrentStep: e.current,
		Timestamp:   e.now(),
	}
	gen := e.gen
	e.mu.Unlock()

	err := e.drafts.Save(ctx, e.draftKey, d)
	e.observer.DraftSaved(e.schema.ID, err)
	if err != nil {
		e.logger.Warn("draft save failed", zap.String("draft_key", e.draftKey), zap.Error(err))
		return false
	}

	e.mu.Lock()
	if e.gen == gen {
		e.dirty = false
	}
	e.mu.Unlock()
	e.logger.Debug("draft saved", zap.String("draft_key", e.draftKey), zap.Int("current_step", d.CurrentStep))
	return true
}

// LoadDraft restores values and current step from the draft store. Returns
// false when there is no usable draft.
func (e *Engine) LoadDraft(ctx context.Context) bool {
	if e.drafts == nil {
		return false
	}
	d, found, err := e.drafts.Load(ctx, e.draftKey)
	if err != nil {
		e.logger.Warn("draft load failed", zap.String("draft_key", e.draftKey), zap.Error(err))
		return false
	}
	if !found || d.SchemaID != e.schema.ID {
		return false
	}

	values := make(model.FormValues, len(d.FormValues))
	for id, raw := range d.FormValues {
		values[id] = e.restoreValue(id, raw)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.values = values
	e.current = e.clampStep(d.CurrentStep)
	e.errors = make(map[string]string)
	e.reconcileSelections()
	e.dirty = false
	e.gen++
	e.logger.Info("draft restored", zap.String("draft_key", e.draftKey), zap.Time("saved_at", d.Timestamp))
	return true
}

// restoreValue converts a decoded draft value back to its canonical type.
func (e *Engine) restoreValue(id string, raw any) any {
	if id == model.ParValueKey {
		if n, ok := model.ToNumber(raw); ok {
			return n
		}
		return raw
	}
	f := e.schema.FirstField(id)
	if f == nil {
		return raw
	}
	v, err := normalize(f, raw)
	if err != nil {
		e.logger.Warn("draft value kept as stored", zap.String("field_id", id), zap.Error(err))
		return raw
	}
	return v
}

// ClearDraft removes the persisted draft.
func (e *Engine) ClearDraft(ctx context.Context) {
	if e.drafts == nil {
		return
	}
	if err := e.drafts.Delete(ctx, e.draftKey); err != nil {
		e.logger.Warn("draft clear failed", zap.String("draft_key", e.draftKey), zap.Error(err))
	}
}

// StartAutoSave saves the draft every interval while there are unsaved
// edits, until ctx is cancelled or Close is called.
func (e *Engine) StartAutoSave(ctx context.Context, interval time.Duration) {
	if e.drafts == nil || interval <= 0 {
		return
	}
	e.mu.Lock()
	if e.stopAutoSave != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.stopAutoSave = cancel
	e.autoSaveDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.Dirty() {
					e.SaveDraft(ctx)
				}
			}
		}
	}()
}

// Close stops auto-save and waits for an in-flight save to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel, done := e.stopAutoSave, e.autoSaveDone
	e.stopAutoSave, e.autoSaveDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
