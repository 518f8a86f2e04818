// Package session owns the lifecycle of wizard sessions: the editing,
// review and submission phases of one session and the manager that scopes
// sessions to their owner and reaps idle ones.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/approval"
	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/wizard"
	"github.com/pitabwire/offerdesk/model"
)

// Phase is the submission phase of a session.
type Phase string

const (
	PhaseEditing    Phase = "editing"
	PhaseReviewing  Phase = "reviewing"
	PhaseSubmitting Phase = "submitting"
	PhaseSubmitted  Phase = "submitted"
)

// Session is one user's run through a wizard schema.
type Session struct {
	ID        string
	SchemaID  string
	TenantID  string
	SubjectID string
	CreatedAt time.Time
	Resumed   bool

	engine    *wizard.Engine
	nav       *wizard.Navigator
	offers    offering.Store
	approvals *approval.Simulator
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	submitting bool
	offerID    string
	run        *approval.Run
	lastActive time.Time
	closed     bool
}

// View is the summary of a session returned to clients.
type View struct {
	ID          string               `json:"id"`
	SchemaID    string               `json:"schema_id"`
	Title       string               `json:"title"`
	Phase       Phase                `json:"phase"`
	CurrentStep int                  `json:"current_step"`
	Furthest    int                  `json:"furthest_step"`
	Progress    int                  `json:"progress"`
	Steps       []wizard.StepSummary `json:"steps"`
	Dirty       bool                 `json:"dirty"`
	Resumed     bool                 `json:"resumed_draft"`
	OfferID     string               `json:"offer_id,omitempty"`
	Approval    *approval.Status     `json:"approval,omitempty"`
	Errors      map[string]string    `json:"errors,omitempty"`
}

// ReviewView is the read-only summary shown on the review step.
type ReviewView struct {
	Phase    Phase                  `json:"phase"`
	Sections []wizard.ReviewSection `json:"sections"`
	Complete bool                   `json:"complete"`
}

// Engine returns the session's wizard engine.
func (s *Session) Engine() *wizard.Engine { return s.engine }

// Navigator returns the session's step navigator.
func (s *Session) Navigator() *wizard.Navigator { return s.nav }

// Phase derives the current phase from the submission state and the
// current step.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked()
}

func (s *Session) phaseLocked() Phase {
	switch {
	case s.offerID != "":
		return PhaseSubmitted
	case s.submitting:
		return PhaseSubmitting
	case s.engine.CurrentStep() == s.engine.Schema().StepIndex(model.StepReview):
		return PhaseReviewing
	default:
		return PhaseEditing
	}
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// mutable rejects changes once the session left the editing phases.
func (s *Session) mutable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	switch {
	case s.offerID != "":
		return model.NewAlreadySubmittedError()
	case s.submitting:
		return model.NewConflictError("Submission in progress")
	}
	return nil
}

// View returns the session summary.
func (s *Session) View() View {
	s.touch()
	v := View{
		ID:          s.ID,
		SchemaID:    s.SchemaID,
		Title:       s.engine.Schema().Title,
		Phase:       s.Phase(),
		CurrentStep: s.engine.CurrentStep(),
		Furthest:    s.nav.Furthest(),
		Progress:    s.nav.OverallProgress(),
		Steps:       s.nav.Steps(),
		Dirty:       s.engine.Dirty(),
		Resumed:     s.Resumed,
		Errors:      s.engine.Errors(),
	}
	if st, ok := s.ApprovalStatus(); ok {
		v.OfferID = st.OfferID
		v.Approval = &st
	}
	return v
}

// StepView returns the renderable description of the step at index.
func (s *Session) StepView(ctx context.Context, index int) (wizard.StepView, error) {
	s.touch()
	return s.engine.StepView(ctx, index)
}

// Edit sets a field value.
func (s *Session) Edit(ctx context.Context, fieldID string, raw any) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.engine.Edit(ctx, fieldID, raw)
}

// ClearField removes a field value.
func (s *Session) ClearField(fieldID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.engine.ClearField(fieldID)
}

// AddItem appends a card or row to a collection field.
func (s *Session) AddItem(fieldID string) (model.Record, error) {
	if err := s.mutable(); err != nil {
		return nil, err
	}
	return s.engine.AddItem(fieldID)
}

// RemoveItem removes a card or row.
func (s *Session) RemoveItem(fieldID, itemID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.engine.RemoveItem(fieldID, itemID)
}

// UpdateItem sets one sub-field of a card or one cell of a row.
func (s *Session) UpdateItem(fieldID, itemID, subID string, raw any) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.engine.UpdateItem(fieldID, itemID, subID, raw)
}

// Next advances one step when the current step validates.
func (s *Session) Next() (wizard.NavigationResult, error) {
	if err := s.mutable(); err != nil {
		return wizard.NavigationResult{}, err
	}
	return s.nav.Next(), nil
}

// Back moves one step back.
func (s *Session) Back() (wizard.NavigationResult, error) {
	if err := s.mutable(); err != nil {
		return wizard.NavigationResult{}, err
	}
	return s.nav.Back(), nil
}

// GoTo jumps to a reached step or validates into the next one.
func (s *Session) GoTo(index int) (wizard.NavigationResult, error) {
	if err := s.mutable(); err != nil {
		return wizard.NavigationResult{}, err
	}
	return s.nav.GoTo(index)
}

// SaveDraft persists the session state now.
func (s *Session) SaveDraft(ctx context.Context) bool {
	if s.mutable() != nil {
		return false
	}
	return s.engine.SaveDraft(ctx)
}

// DiscardDraft deletes the persisted draft and resets the form.
func (s *Session) DiscardDraft(ctx context.Context) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.engine.ClearDraft(ctx)
	s.engine.Initialize()
	s.nav.Reset()
	return nil
}

// Review returns the review summary.
func (s *Session) Review() ReviewView {
	s.touch()
	sections := s.engine.Review()
	complete := true
	for _, sec := range sections {
		if !sec.Complete {
			complete = false
			break
		}
	}
	return ReviewView{Phase: s.Phase(), Sections: sections, Complete: complete}
}

// Submit materializes the offer, stores it and starts the approval
// simulation. It is only possible from the review step and only once.
func (s *Session) Submit(ctx context.Context) (offer model.CreatedOffer, err error) {
	ctx, span := observability.StartSpan(ctx, "session.Submit",
		observability.AttrSessionID.String(s.ID),
		observability.AttrSchemaID.String(s.SchemaID),
		observability.AttrTenantID.String(s.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	s.mu.Lock()
	switch s.phaseLocked() {
	case PhaseSubmitted:
		s.mu.Unlock()
		return model.CreatedOffer{}, model.NewAlreadySubmittedError()
	case PhaseSubmitting:
		s.mu.Unlock()
		return model.CreatedOffer{}, model.NewConflictError("Submission in progress")
	case PhaseEditing:
		s.mu.Unlock()
		return model.CreatedOffer{}, model.NewNotReadyToSubmitError()
	}
	s.submitting = true
	s.lastActive = s.now()
	s.mu.Unlock()

	offer, err = s.submit(ctx)

	s.mu.Lock()
	s.submitting = false
	if err == nil {
		s.offerID = offer.ID
		if s.approvals != nil {
			s.run = s.approvals.Start(ctx, s.TenantID, offer.ID)
		}
	}
	s.mu.Unlock()

	s.observer.Submitted(s.SchemaID, err)
	if err == nil {
		span.SetAttributes(observability.AttrOfferID.String(offer.ID))
		s.logger.Info("offer submitted", zap.String("offer_id", offer.ID), zap.String("offer_type", offer.Type))
	}
	return offer, err
}

func (s *Session) submit(ctx context.Context) (model.CreatedOffer, error) {
	// Earlier steps can be revisited and emptied after they were passed.
	review := s.engine.Schema().StepIndex(model.StepReview)
	if bad := s.engine.FirstInvalidStep(review); bad >= 0 {
		s.logger.Info("submission blocked by incomplete step", zap.String("step_id", s.engine.Schema().Steps[bad].ID))
		return model.CreatedOffer{}, model.NewValidationError(fieldErrors(s.engine.Errors()))
	}

	offer, err := offering.Materialize(offering.Submission{
		SchemaID:  s.SchemaID,
		TenantID:  s.TenantID,
		SubjectID: s.SubjectID,
		Values:    s.engine.ResolvedValues(),
	}, uuid.NewString(), s.now())
	if err != nil {
		return model.CreatedOffer{}, err
	}

	if err := s.offers.AddOffer(ctx, offer); err != nil {
		s.logger.Warn("offer submission failed", zap.String("offer_id", offer.ID), zap.Error(err))
		return model.CreatedOffer{}, model.NewSubmissionFailedError()
	}

	// Stop auto-save first so the step change below is never persisted.
	s.engine.Close()
	s.engine.ClearDraft(ctx)
	if post := s.engine.Schema().StepIndex(model.StepPostApproval); post >= 0 {
		s.engine.SetCurrentStep(post)
	}
	return offer, nil
}

func fieldErrors(errs map[string]string) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for id, msg := range errs {
		out = append(out, model.FieldError{Field: id, Code: model.ErrFieldRequiredCode, Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// ApprovalStatus returns the approval progress once the session has been
// submitted.
func (s *Session) ApprovalStatus() (approval.Status, bool) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return approval.Status{}, false
	}
	return run.Status(), true
}

// Close stops auto-save and any pending approval stages. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	run := s.run
	s.mu.Unlock()

	s.engine.Close()
	if run != nil {
		run.Stop()
	}
}

func (s *Session) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrSessionID.String(s.ID),
		observability.AttrSchemaID.String(s.SchemaID),
		observability.AttrTenantID.String(s.TenantID),
		observability.AttrSubjectID.String(s.SubjectID),
	}
}
