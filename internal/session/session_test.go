package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/offerdesk/internal/approval"
	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/draft"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/model"
)

const schemaID = "security-creation"

var (
	bundledOnce    sync.Once
	bundledSchemas []model.WizardSchema
	bundledErr     error
)

// --- test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	closed    map[string]int
	submitted []error
}

func (o *recordingObserver) SessionStarted(string, bool) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionClosed(_, reason string) {
	o.mu.Lock()
	if o.closed == nil {
		o.closed = make(map[string]int)
	}
	o.closed[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) Submitted(_ string, err error) {
	o.mu.Lock()
	o.submitted = append(o.submitted, err)
	o.mu.Unlock()
}

// failingOffers rejects every new offer.
type failingOffers struct {
	*offering.MemoryStore
}

func (failingOffers) AddOffer(context.Context, model.CreatedOffer) error {
	return errors.New("connection refused")
}

type fixture struct {
	manager   *Manager
	drafts    *draft.MemoryStore
	offers    *offering.MemoryStore
	scheduler *approval.ManualScheduler
	clock     *fakeClock
	observer  *recordingObserver
}

type fixtureOption func(*Dependencies, *Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	bundledOnce.Do(func() {
		bundledSchemas, bundledErr = definition.NewLoader().LoadAll([]string{"../../definitions/wizards"})
	})
	if bundledErr != nil {
		t.Fatalf("LoadAll() error = %v", bundledErr)
	}

	f := &fixture{
		drafts:    draft.NewMemoryStore(time.Hour),
		offers:    offering.NewMemoryStore(),
		scheduler: approval.NewManualScheduler(),
		clock:     &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)},
		observer:  &recordingObserver{},
	}
	sim, err := approval.NewSimulator(f.offers, approval.WithScheduler(f.scheduler))
	if err != nil {
		t.Fatalf("NewSimulator() error = %v", err)
	}

	deps := Dependencies{
		Registry:  definition.NewRegistry(bundledSchemas),
		Drafts:    f.drafts,
		Offers:    f.offers,
		Approvals: sim,
		Observer:  f.observer,
		Clock:     f.clock.Now,
	}
	cfg := Config{IdleTimeout: time.Hour}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	f.manager = NewManager(deps, cfg)
	t.Cleanup(f.manager.Shutdown)
	return f
}

func analyst() *model.RequestContext {
	return &model.RequestContext{SubjectID: "analyst-1", TenantID: "house-1", Roles: []string{"offering_analyst"}}
}

func (f *fixture) start(t *testing.T, rctx *model.RequestContext) *Session {
	t.Helper()
	s, err := f.manager.Start(context.Background(), rctx, schemaID, false)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func mustEdit(t *testing.T, s *Session, id string, v any) {
	t.Helper()
	if err := s.Edit(context.Background(), id, v); err != nil {
		t.Fatalf("Edit(%s, %v) error = %v", id, v, err)
	}
}

func codeOf(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// fillGovernmentBond completes every required field of a government bond.
func fillGovernmentBond(t *testing.T, s *Session) {
	t.Helper()
	mustEdit(t, s, "securityType", "DEBT")
	mustEdit(t, s, "issuerType", "GOVERNMENT")
	mustEdit(t, s, "offerName", "FGN Savings Bond October 2026")
	mustEdit(t, s, "amountToRaise", 5000000)
	mustEdit(t, s, "couponRate", 14.5)
	mustEdit(t, s, "tenorYears", 2)
	mustEdit(t, s, "openingDate", "2026-11-02")
	mustEdit(t, s, "closingDate", "2026-11-30")
	card, err := s.AddItem("underwriters")
	if err != nil {
		t.Fatalf("AddItem() error = %v", err)
	}
	if err := s.UpdateItem("underwriters", card.ID(), "name", "Debt Management Office"); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	mustEdit(t, s, "prospectus", map[string]any{"name": "prospectus.pdf", "size": 2048, "type": "application/pdf"})
	mustEdit(t, s, "trustDeed", map[string]any{"name": "trust-deed.pdf", "size": 1024, "type": "application/pdf"})
}

// readyForReview fills a government bond and walks to the review step.
func readyForReview(t *testing.T, s *Session) {
	t.Helper()
	fillGovernmentBond(t, s)
	review := s.Engine().Schema().StepIndex(model.StepReview)
	for s.Engine().CurrentStep() < review {
		res, err := s.Next()
		if err != nil || !res.Moved {
			t.Fatalf("Next() from step %d = %+v, %v", res.From, res, err)
		}
	}
}

// --- Manager ---

func TestManager_Start(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	v := s.View()
	if v.Phase != PhaseEditing || v.CurrentStep != 0 || v.Resumed {
		t.Errorf("View() = %+v", v)
	}
	if v.Title == "" || len(v.Steps) == 0 {
		t.Errorf("View() missing schema summary: %+v", v)
	}
	if f.manager.Len() != 1 || f.observer.started != 1 {
		t.Errorf("Len() = %d, started = %d", f.manager.Len(), f.observer.started)
	}
}

func TestManager_Start_unknownSchema(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), analyst(), "no-such-wizard", false)
	if codeOf(err) != model.ErrNotFound {
		t.Errorf("Start() error = %v, want NOT_FOUND", err)
	}
}

func TestManager_Get_scopedToOwner(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	if _, err := f.manager.Get(analyst(), s.ID); err != nil {
		t.Fatalf("Get() by owner error = %v", err)
	}

	others := []*model.RequestContext{
		{SubjectID: "analyst-2", TenantID: "house-1"},
		{SubjectID: "analyst-1", TenantID: "house-2"},
	}
	for _, rctx := range others {
		if _, err := f.manager.Get(rctx, s.ID); codeOf(err) != model.ErrSessionNotFound {
			t.Errorf("Get() by %s/%s error = %v, want SESSION_NOT_FOUND", rctx.TenantID, rctx.SubjectID, err)
		}
	}
	if _, err := f.manager.Get(analyst(), "missing"); codeOf(err) != model.ErrSessionNotFound {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestManager_ResumeDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.start(t, analyst())
	mustEdit(t, first, "securityType", "DEBT")
	mustEdit(t, first, "offerName", "Resumed Bond")
	if !first.SaveDraft(ctx) {
		t.Fatal("SaveDraft() = false")
	}

	resumed, err := f.manager.Start(ctx, analyst(), schemaID, true)
	if err != nil {
		t.Fatalf("Start(resume) error = %v", err)
	}
	if !resumed.Resumed {
		t.Error("Resumed = false, want true")
	}
	if got := resumed.Engine().Values()["offerName"]; got != "Resumed Bond" {
		t.Errorf("offerName = %v, want restored draft value", got)
	}

	// Another subject never sees the draft.
	other, err := f.manager.Start(ctx, &model.RequestContext{SubjectID: "analyst-2", TenantID: "house-1"}, schemaID, true)
	if err != nil {
		t.Fatalf("Start(other) error = %v", err)
	}
	if other.Resumed {
		t.Error("another subject resumed the draft")
	}
}

func TestManager_StartFresh_discardsDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.start(t, analyst())
	mustEdit(t, first, "offerName", "Old Bond")
	first.SaveDraft(ctx)

	f.start(t, analyst())
	if f.drafts.Len() != 0 {
		t.Errorf("drafts = %d after starting fresh, want 0", f.drafts.Len())
	}
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	if err := f.manager.Close(&model.RequestContext{SubjectID: "intruder", TenantID: "house-1"}, s.ID); codeOf(err) != model.ErrSessionNotFound {
		t.Errorf("Close() by another subject error = %v", err)
	}
	if err := f.manager.Close(analyst(), s.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.manager.Len() != 0 {
		t.Errorf("Len() = %d after Close", f.manager.Len())
	}
	if f.observer.closed[ReasonClosed] != 1 {
		t.Errorf("closed = %v", f.observer.closed)
	}
	if _, err := f.manager.Get(analyst(), s.ID); codeOf(err) != model.ErrSessionNotFound {
		t.Errorf("Get() after Close error = %v", err)
	}
}

func TestManager_ReapIdle(t *testing.T) {
	f := newFixture(t)
	idle := f.start(t, analyst())

	f.clock.Add(45 * time.Minute)
	active := f.start(t, &model.RequestContext{SubjectID: "analyst-2", TenantID: "house-1"})

	f.clock.Add(30 * time.Minute)
	if n := f.manager.ReapIdle(context.Background()); n != 1 {
		t.Fatalf("ReapIdle() = %d, want 1", n)
	}
	if _, err := f.manager.Get(analyst(), idle.ID); err == nil {
		t.Error("idle session survived reaping")
	}
	if _, err := f.manager.Get(&model.RequestContext{SubjectID: "analyst-2", TenantID: "house-1"}, active.ID); err != nil {
		t.Errorf("active session reaped: %v", err)
	}
	if f.observer.closed[ReasonIdle] != 1 {
		t.Errorf("closed = %v", f.observer.closed)
	}
}

func TestManager_ReapIdle_activityKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	f.clock.Add(50 * time.Minute)
	mustEdit(t, s, "offerName", "Still Working")
	f.clock.Add(50 * time.Minute)

	if n := f.manager.ReapIdle(context.Background()); n != 0 {
		t.Errorf("ReapIdle() = %d, want 0", n)
	}
}

func TestManager_ReapIdle_disabled(t *testing.T) {
	f := newFixture(t, func(_ *Dependencies, cfg *Config) { cfg.IdleTimeout = 0 })
	f.start(t, analyst())
	f.clock.Add(1000 * time.Hour)

	if n := f.manager.ReapIdle(context.Background()); n != 0 {
		t.Errorf("ReapIdle() = %d with reaping disabled", n)
	}
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t)
	f.start(t, analyst())
	f.start(t, &model.RequestContext{SubjectID: "analyst-2", TenantID: "house-1"})

	f.manager.Shutdown()
	if f.manager.Len() != 0 {
		t.Errorf("Len() = %d after Shutdown", f.manager.Len())
	}
	if f.observer.closed[ReasonShutdown] != 2 {
		t.Errorf("closed = %v", f.observer.closed)
	}
}

// --- Phases and submission ---

func TestSession_PhaseFollowsStep(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	if s.Phase() != PhaseEditing {
		t.Errorf("Phase() = %s, want editing", s.Phase())
	}
	readyForReview(t, s)
	if s.Phase() != PhaseReviewing {
		t.Errorf("Phase() = %s, want reviewing", s.Phase())
	}
}

func TestSession_Submit_notReady(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	_, err := s.Submit(context.Background())
	if codeOf(err) != model.ErrNotReadyToSubmit {
		t.Errorf("Submit() error = %v, want NOT_READY_TO_SUBMIT", err)
	}
	if f.offers.Len() != 0 {
		t.Error("offer stored from the editing phase")
	}
}

func TestSession_Submit_requiresDeclaration(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())
	readyForReview(t, s)

	_, err := s.Submit(context.Background())
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrValidationError {
		t.Fatalf("Submit() error = %v, want VALIDATION_ERROR", err)
	}
	if len(env.Details) != 1 || env.Details[0].Field != "declaration" {
		t.Errorf("details = %+v, want declaration only", env.Details)
	}
	if s.Phase() != PhaseReviewing {
		t.Errorf("Phase() = %s after failed validation, want reviewing", s.Phase())
	}
}

func TestSession_Submit_revalidatesEarlierSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, analyst())
	readyForReview(t, s)
	mustEdit(t, s, "declaration", true)

	economics := s.Engine().Schema().StepIndex("economics")
	review := s.Engine().Schema().StepIndex(model.StepReview)
	if _, err := s.GoTo(economics); err != nil {
		t.Fatalf("GoTo(economics) error = %v", err)
	}
	if err := s.ClearField("amountToRaise"); err != nil {
		t.Fatalf("ClearField() error = %v", err)
	}
	if _, err := s.GoTo(review); err != nil {
		t.Fatalf("GoTo(review) error = %v", err)
	}

	_, err := s.Submit(ctx)
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrValidationError {
		t.Fatalf("Submit() error = %v, want VALIDATION_ERROR", err)
	}
	if len(env.Details) != 1 || env.Details[0].Field != "amountToRaise" {
		t.Errorf("details = %+v, want amountToRaise only", env.Details)
	}
	if f.offers.Len() != 0 {
		t.Errorf("offers = %d, want none stored", f.offers.Len())
	}
	if s.Phase() != PhaseReviewing {
		t.Errorf("Phase() = %s, want reviewing", s.Phase())
	}

	mustEdit(t, s, "amountToRaise", 5000000)
	offer, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() after refilling error = %v", err)
	}
	if offer.TargetAmount != 5000000 || offer.TotalUnits != 5000 {
		t.Errorf("offer amounts = %v / %v, want 5000000 / 5000", offer.TargetAmount, offer.TotalUnits)
	}
}

func TestSession_Submit_storeFailureKeepsDraft(t *testing.T) {
	f := newFixture(t, func(deps *Dependencies, _ *Config) {
		deps.Offers = failingOffers{offering.NewMemoryStore()}
	})
	s := f.start(t, analyst())
	readyForReview(t, s)
	mustEdit(t, s, "declaration", true)
	s.SaveDraft(context.Background())

	_, err := s.Submit(context.Background())
	if codeOf(err) != model.ErrSubmissionFailed {
		t.Fatalf("Submit() error = %v, want SUBMISSION_FAILED", err)
	}
	if s.Phase() != PhaseReviewing {
		t.Errorf("Phase() = %s, want reviewing so the user can retry", s.Phase())
	}
	if f.drafts.Len() != 1 {
		t.Errorf("drafts = %d, want the draft kept", f.drafts.Len())
	}
	if _, ok := s.ApprovalStatus(); ok {
		t.Error("approval started for a failed submission")
	}
	if len(f.observer.submitted) != 1 || f.observer.submitted[0] == nil {
		t.Errorf("submitted = %v", f.observer.submitted)
	}
}

func TestSession_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, analyst())
	readyForReview(t, s)
	mustEdit(t, s, "declaration", true)
	s.SaveDraft(ctx)

	offer, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if offer.Type != model.OfferTypeDebt || offer.TenantID != "house-1" || offer.CreatedBy != "analyst-1" {
		t.Errorf("offer = %+v", offer)
	}
	if offer.Status != model.OfferPendingApproval {
		t.Errorf("Status = %s, want pending_approval", offer.Status)
	}

	if s.Phase() != PhaseSubmitted {
		t.Errorf("Phase() = %s, want submitted", s.Phase())
	}
	if want := s.Engine().Schema().StepIndex(model.StepPostApproval); s.Engine().CurrentStep() != want {
		t.Errorf("CurrentStep() = %d, want post-approval step %d", s.Engine().CurrentStep(), want)
	}
	if f.drafts.Len() != 0 {
		t.Errorf("drafts = %d after submission, want 0", f.drafts.Len())
	}

	st, ok := s.ApprovalStatus()
	if !ok || st.OfferID != offer.ID || st.Stage != approval.StageSubmissionReceived {
		t.Fatalf("ApprovalStatus() = %+v, %v", st, ok)
	}
	if v := s.View(); v.OfferID != offer.ID || v.Approval == nil {
		t.Errorf("View() = %+v, want offer and approval", v)
	}

	f.scheduler.Advance(10 * time.Second)
	st, _ = s.ApprovalStatus()
	if !st.Approved || st.Progress != 100 {
		t.Errorf("ApprovalStatus() after timeline = %+v", st)
	}
	stored, err := f.offers.GetOfferByID(ctx, "house-1", offer.ID)
	if err != nil || stored.Status != model.OfferApproved {
		t.Errorf("stored offer = %+v, %v; want approved", stored, err)
	}
}

func TestSession_AfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, analyst())
	readyForReview(t, s)
	mustEdit(t, s, "declaration", true)
	if _, err := s.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, err := s.Submit(ctx); codeOf(err) != model.ErrAlreadySubmitted {
		t.Errorf("second Submit() error = %v, want ALREADY_SUBMITTED", err)
	}
	if f.offers.Len() != 1 {
		t.Errorf("offers = %d, want exactly 1", f.offers.Len())
	}

	mutations := map[string]func() error{
		"Edit":       func() error { return s.Edit(ctx, "offerName", "Changed") },
		"ClearField": func() error { return s.ClearField("offerName") },
		"Back":       func() error { _, err := s.Back(); return err },
		"Next":       func() error { _, err := s.Next(); return err },
		"Discard":    func() error { return s.DiscardDraft(ctx) },
	}
	for name, mutate := range mutations {
		if err := mutate(); codeOf(err) != model.ErrAlreadySubmitted {
			t.Errorf("%s after submit error = %v, want ALREADY_SUBMITTED", name, err)
		}
	}
	if s.SaveDraft(ctx) {
		t.Error("SaveDraft() after submit = true")
	}
}

func TestSession_CloseStopsApproval(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())
	readyForReview(t, s)
	mustEdit(t, s, "declaration", true)
	offer, err := s.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	f.scheduler.Advance(3 * time.Second)
	if err := f.manager.Close(analyst(), s.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.scheduler.Pending() != 0 {
		t.Errorf("Pending() = %d after Close, want 0", f.scheduler.Pending())
	}

	f.scheduler.Advance(time.Minute)
	stored, _ := f.offers.GetOfferByID(context.Background(), "house-1", offer.ID)
	if stored.Status != model.OfferPendingApproval {
		t.Errorf("Status = %s, want pending after the run was stopped", stored.Status)
	}
}

func TestSession_DiscardDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, analyst())
	mustEdit(t, s, "offerName", "To Be Discarded")
	s.SaveDraft(ctx)

	if err := s.DiscardDraft(ctx); err != nil {
		t.Fatalf("DiscardDraft() error = %v", err)
	}
	if f.drafts.Len() != 0 {
		t.Errorf("drafts = %d, want 0", f.drafts.Len())
	}
	if _, ok := s.Engine().Values()["offerName"]; ok {
		t.Error("values not reset after discard")
	}
	if v := s.View(); v.CurrentStep != 0 || v.Furthest != 0 {
		t.Errorf("View() = %+v, want first step", v)
	}
}

func TestSession_Review(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, analyst())

	if s.Review().Complete {
		t.Error("Review().Complete = true for an empty form")
	}
	readyForReview(t, s)
	r := s.Review()
	if r.Phase != PhaseReviewing || len(r.Sections) == 0 {
		t.Errorf("Review() = %+v", r)
	}
}
