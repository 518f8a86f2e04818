package wizard

import (
	"fmt"
	"math"
	"sync"

	"github.com/pitabwire/offerdesk/model"
)

// Step status values reported by Navigator.Steps.
const (
	StepCompleted = "completed"
	StepCurrent   = "current"
	StepFuture    = "future"
)

// NavigationResult reports the outcome of a navigation request.
type NavigationResult struct {
	Moved      bool              `json:"moved"`
	From       int               `json:"from"`
	To         int               `json:"to"`
	Errors     map[string]string `json:"errors,omitempty"`
	FocusField string            `json:"focus_field,omitempty"`
}

// StepSummary describes one step for the progress indicator.
type StepSummary struct {
	Index      int    `json:"index"`
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Completion int    `json:"completion"`
	ErrorCount int    `json:"error_count"`
}

// Navigator gates movement between steps. Forward moves validate the
// current step; backward moves are free. It remembers the furthest step
// reached so the indicator can jump back to any visited step.
type Navigator struct {
	e *Engine

	mu       sync.Mutex
	furthest int
}

// NewNavigator creates a navigator positioned at the engine's current step.
func NewNavigator(e *Engine) *Navigator {
	return &Navigator{e: e, furthest: e.CurrentStep()}
}

// Furthest returns the furthest step index reached.
func (n *Navigator) Furthest() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.furthest
}

// Reset forgets the visited steps and follows the engine's current step,
// after the engine was reinitialized or a draft was loaded.
func (n *Navigator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.furthest = n.e.CurrentStep()
}

// lastNavigable is the final step reachable by navigation; postApproval is
// entered only by submission.
func (n *Navigator) lastNavigable() int {
	if i := n.e.schema.StepIndex(model.StepPostApproval); i >= 0 {
		return i - 1
	}
	return len(n.e.schema.Steps) - 1
}

// Next validates the current step and, when it passes, moves forward. The
// review step is the end of navigation: leaving it happens by submitting.
func (n *Navigator) Next() NavigationResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next()
}

func (n *Navigator) next() NavigationResult {
	from := n.e.CurrentStep()
	res := NavigationResult{From: from, To: from}
	if from >= n.lastNavigable() {
		return res
	}
	if !n.e.ValidateStep(from) {
		res.Errors = n.e.Errors()
		res.FocusField = n.e.FirstError(from)
		return res
	}
	n.e.SetCurrentStep(from + 1)
	res.To = from + 1
	res.Moved = true
	if res.To > n.furthest {
		n.furthest = res.To
	}
	return res
}

// Back moves to the previous step without validation. At the first step it
// does nothing.
func (n *Navigator) Back() NavigationResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := n.e.CurrentStep()
	res := NavigationResult{From: from, To: from}
	if from == 0 || from > n.lastNavigable() {
		return res
	}
	n.e.SetCurrentStep(from - 1)
	res.To = from - 1
	res.Moved = true
	return res
}

// GoTo jumps to index. Any step up to the furthest reached is allowed, as is
// the step right after the current one when the current step validates.
func (n *Navigator) GoTo(index int) (NavigationResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := n.e.CurrentStep()
	if index < 0 || index > n.lastNavigable() || from > n.lastNavigable() {
		return NavigationResult{From: from, To: from}, model.NewInvalidTransitionError(fmt.Sprintf("Step %d cannot be reached", index))
	}
	switch {
	case index == from:
		return NavigationResult{From: from, To: from}, nil
	case index <= n.furthest:
		n.e.SetCurrentStep(index)
		return NavigationResult{Moved: true, From: from, To: index}, nil
	case index == from+1:
		return n.next(), nil
	}
	return NavigationResult{From: from, To: from}, model.NewInvalidTransitionError(fmt.Sprintf("Step %d has not been reached yet", index))
}

// Reached records that index has been reached, used when a restored draft
// resumes mid-wizard.
func (n *Navigator) Reached(index int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index > n.furthest {
		n.furthest = index
	}
}

// StepCompletion returns the percentage of visible fields of step index that
// hold a value.
func (n *Navigator) StepCompletion(index int) int {
	return n.e.StepCompletion(index)
}

// OverallProgress returns the percentage of filled fields across all data
// entry steps.
func (n *Navigator) OverallProgress() int {
	e := n.e
	e.mu.Lock()
	defer e.mu.Unlock()

	filled, total := 0, 0
	for i := range e.schema.Steps {
		if e.schema.Steps[i].IsReserved() {
			continue
		}
		f, t := e.countFilled(i)
		filled += f
		total += t
	}
	return percent(filled, total)
}

// Steps summarizes every step for the progress indicator.
func (n *Navigator) Steps() []StepSummary {
	n.mu.Lock()
	furthest := n.furthest
	n.mu.Unlock()

	e := n.e
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]StepSummary, len(e.schema.Steps))
	for i := range e.schema.Steps {
		step := &e.schema.Steps[i]
		s := StepSummary{
			Index:      i,
			ID:         step.ID,
			Title:      step.Title,
			Status:     StepFuture,
			Completion: e.stepCompletion(i),
		}
		switch {
		case i == e.current:
			s.Status = StepCurrent
		case i < e.current || i <= furthest:
			s.Status = StepCompleted
		}
		for _, f := range e.activeFields(i) {
			if _, bad := e.errors[f.ID]; bad {
				s.ErrorCount++
			}
		}
		out[i] = s
	}
	return out
}

// StepCompletion returns the percentage of visible fields of step index that
// hold a value. Formula fields count when available. Steps without visible
// fields report 0.
func (e *Engine) StepCompletion(index int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCompletion(index)
}

func (e *Engine) stepCompletion(index int) int {
	return percent(e.countFilled(index))
}

func (e *Engine) countFilled(index int) (filled, total int) {
	for _, f := range e.activeFields(index) {
		total++
		if e.isFilled(f) {
			filled++
		}
	}
	return filled, total
}

func (e *Engine) isFilled(f *model.FieldSchema) bool {
	if f.IsComputed() {
		return e.evaluate(f.Formula, 0).Available
	}
	v, _ := e.effectiveValue(f)
	return !model.IsEmpty(v)
}

func percent(filled, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(filled) * 100 / float64(total)))
}

// FirstError returns the id of the first field of step index, in schema
// order, that has a validation error.
func (e *Engine) FirstError(index int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.activeFields(index) {
		if _, bad := e.errors[f.ID]; bad {
			return f.ID
		}
	}
	return ""
}
