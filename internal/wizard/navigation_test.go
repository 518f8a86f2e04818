package wizard

import (
	"testing"

	"github.com/pitabwire/offerdesk/model"
)

func TestNavigator_NextBlocksOnErrors(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)

	res := n.Next()
	if res.Moved {
		t.Fatal("Next() moved past an incomplete step")
	}
	if res.FocusField != "securityType" {
		t.Errorf("FocusField = %q, want securityType", res.FocusField)
	}
	if len(res.Errors) != 4 {
		t.Errorf("len(Errors) = %d, want 4 (%v)", len(res.Errors), res.Errors)
	}

	fillBasics(t, e)
	res = n.Next()
	if !res.Moved || res.From != 0 || res.To != 1 {
		t.Errorf("Next() = %+v, want move 0 -> 1", res)
	}
	if n.Furthest() != 1 {
		t.Errorf("Furthest() = %d, want 1", n.Furthest())
	}
}

func TestNavigator_FocusFollowsSchemaOrder(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)
	mustEdit(t, e, "securityType", "DEBT")
	mustEdit(t, e, "issuerType", "GOVERNMENT")

	res := n.Next()
	if res.FocusField != "offerName" {
		t.Errorf("FocusField = %q, want offerName", res.FocusField)
	}
}

func TestNavigator_BackIsFree(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)

	if res := n.Back(); res.Moved {
		t.Error("Back() at step 0 moved")
	}
	fillBasics(t, e)
	n.Next()
	// Economics is incomplete, yet going back is allowed.
	if res := n.Back(); !res.Moved || res.To != 0 {
		t.Errorf("Back() = %+v, want move to 0", res)
	}
}

func TestNavigator_GoTo(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)
	fillBasics(t, e)
	n.Next()

	if _, err := n.GoTo(3); codeOf(err) != model.ErrInvalidTransition {
		t.Errorf("GoTo(3) from 1 = %v, want INVALID_TRANSITION", err)
	}
	if res, err := n.GoTo(0); err != nil || !res.Moved {
		t.Errorf("GoTo(0) = (%+v, %v), want moved", res, err)
	}
	// Step 1 was reached before, so jumping forward to it skips validation.
	if res, err := n.GoTo(1); err != nil || !res.Moved {
		t.Errorf("GoTo(1) = (%+v, %v), want moved", res, err)
	}
	// The next step is validated like Next.
	res, err := n.GoTo(2)
	if err != nil {
		t.Fatalf("GoTo(2) error = %v", err)
	}
	if res.Moved || res.FocusField != "amountToRaise" {
		t.Errorf("GoTo(2) = %+v, want blocked on amountToRaise", res)
	}

	post := e.Schema().StepIndex(model.StepPostApproval)
	if _, err := n.GoTo(post); codeOf(err) != model.ErrInvalidTransition {
		t.Errorf("GoTo(postApproval) = %v, want INVALID_TRANSITION", err)
	}
	if _, err := n.GoTo(-1); codeOf(err) != model.ErrInvalidTransition {
		t.Errorf("GoTo(-1) = %v, want INVALID_TRANSITION", err)
	}
}

func TestNavigator_NextStopsAtReview(t *testing.T) {
	e := newTestEngine(t)
	review := e.Schema().StepIndex(model.StepReview)
	e.SetCurrentStep(review)
	n := NewNavigator(e)
	mustEdit(t, e, "declaration", true)

	if res := n.Next(); res.Moved {
		t.Errorf("Next() at review = %+v, want no move", res)
	}
}

func TestNavigator_Progress(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)
	period := e.Schema().StepIndex("offerPeriod")

	// openingDate, closingDate, allotmentDate, hasGreenShoe; greenShoeUnits is hidden.
	if got := n.StepCompletion(period); got != 0 {
		t.Errorf("StepCompletion(offerPeriod) = %d, want 0", got)
	}
	mustEdit(t, e, "openingDate", "2026-11-02")
	if got := n.StepCompletion(period); got != 25 {
		t.Errorf("StepCompletion(offerPeriod) = %d, want 25", got)
	}

	economics := e.Schema().StepIndex("economics")
	fillBasics(t, e)
	mustEdit(t, e, "amountToRaise", 5000000)
	// parValue, amountToRaise and the available totalUnits of six fields.
	if got := n.StepCompletion(economics); got != 50 {
		t.Errorf("StepCompletion(economics) = %d, want 50", got)
	}

	if got := n.StepCompletion(e.Schema().StepIndex(model.StepPostApproval)); got != 0 {
		t.Errorf("StepCompletion(postApproval) = %d, want 0", got)
	}
	if got := n.OverallProgress(); got <= 0 || got >= 100 {
		t.Errorf("OverallProgress() = %d, want between 0 and 100", got)
	}
}

func TestNavigator_Steps(t *testing.T) {
	e := newTestEngine(t)
	n := NewNavigator(e)
	n.Next()

	steps := n.Steps()
	if len(steps) != len(e.Schema().Steps) {
		t.Fatalf("len(Steps()) = %d", len(steps))
	}
	if steps[0].Status != StepCurrent {
		t.Errorf("steps[0].Status = %s, want current", steps[0].Status)
	}
	if steps[0].ErrorCount != 4 {
		t.Errorf("steps[0].ErrorCount = %d, want 4", steps[0].ErrorCount)
	}
	if steps[1].Status != StepFuture {
		t.Errorf("steps[1].Status = %s, want future", steps[1].Status)
	}

	fillBasics(t, e)
	n.Next()
	steps = n.Steps()
	if steps[0].Status != StepCompleted || steps[1].Status != StepCurrent {
		t.Errorf("statuses = %s, %s, want completed, current", steps[0].Status, steps[1].Status)
	}
}
