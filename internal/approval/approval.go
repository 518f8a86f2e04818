// Package approval simulates the regulatory review of a submitted offer as a
// timed state machine that ends by approving the offer in the store.
package approval

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/observability"
)

// Stage is one state of the approval pipeline.
type Stage string

// Approval stages in pipeline order.
const (
	StageSubmissionReceived   Stage = "submission_received"
	StageComplianceReview     Stage = "compliance_review"
	StageRegulatoryAssessment Stage = "regulatory_assessment"
	StageFinalApproval        Stage = "final_approval"
	StageApproved             Stage = "approved"
)

// Stages lists every stage in order.
var Stages = []Stage{
	StageSubmissionReceived,
	StageComplianceReview,
	StageRegulatoryAssessment,
	StageFinalApproval,
	StageApproved,
}

var stageLabels = map[Stage]string{
	StageSubmissionReceived:   "Submission Received",
	StageComplianceReview:     "Compliance Review",
	StageRegulatoryAssessment: "Regulatory Assessment",
	StageFinalApproval:        "Final Approval",
	StageApproved:             "Approved",
}

// Label returns the display name of the stage.
func (s Stage) Label() string { return stageLabels[s] }

const eventAdvance statekit.EventType = "ADVANCE"

// Timeline holds the offsets from submission at which each stage is entered,
// and the interval of the progress ticker.
type Timeline struct {
	ComplianceReview     time.Duration `yaml:"compliance_review"`
	RegulatoryAssessment time.Duration `yaml:"regulatory_assessment"`
	FinalApproval        time.Duration `yaml:"final_approval"`
	Approved             time.Duration `yaml:"approved"`
	ProgressTick         time.Duration `yaml:"progress_tick"`
}

// DefaultTimeline returns the standard 2s/5s/8s/10s pipeline.
func DefaultTimeline() Timeline {
	return Timeline{
		ComplianceReview:     2 * time.Second,
		RegulatoryAssessment: 5 * time.Second,
		FinalApproval:        8 * time.Second,
		Approved:             10 * time.Second,
		ProgressTick:         200 * time.Millisecond,
	}
}

// Validate checks that stage offsets are positive and increasing.
func (t Timeline) Validate() error {
	offsets := t.offsets()
	prev := time.Duration(0)
	for i, d := range offsets {
		if d <= prev {
			return fmt.Errorf("approval: stage %s offset %s must be after %s", Stages[i+1], d, prev)
		}
		prev = d
	}
	if t.ProgressTick <= 0 {
		return fmt.Errorf("approval: progress tick must be positive")
	}
	return nil
}

func (t Timeline) offsets() []time.Duration {
	return []time.Duration{t.ComplianceReview, t.RegulatoryAssessment, t.FinalApproval, t.Approved}
}

// progressStep is the percentage added per tick so progress nears 100 as
// the approved stage is reached.
func (t Timeline) progressStep() int {
	step := int(math.Round(100 * float64(t.ProgressTick) / float64(t.Approved)))
	if step < 1 {
		return 1
	}
	return step
}

// Approver marks an offer approved. It must be idempotent.
type Approver interface {
	ApproveOffer(ctx context.Context, tenantID, offerID string) (bool, error)
}

// Observer receives pipeline events, typically to record metrics.
type Observer interface {
	StageEntered(stage Stage)
	Approved(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StageEntered(Stage)             {}
func (nopObserver) Approved(time.Duration, error) {}

// runContext is the statekit machine context of one run.
type runContext struct {
	entered map[Stage]time.Time
	now     func() time.Time
}

func newMachine() (*statekit.MachineConfig[*runContext], error) {
	return statekit.NewMachine[*runContext]("approval").
		WithInitial(statekit.StateID(StageSubmissionReceived)).
		WithContext(&runContext{}).
		WithAction("recordEntry", recordEntry).
		State(statekit.StateID(StageSubmissionReceived)).
			OnEntry("recordEntry").
			On(eventAdvance).Target(statekit.StateID(StageComplianceReview)).
			Done().
		State(statekit.StateID(StageComplianceReview)).
			OnEntry("recordEntry").
			On(eventAdvance).Target(statekit.StateID(StageRegulatoryAssessment)).
			Done().
		State(statekit.StateID(StageRegulatoryAssessment)).
			OnEntry("recordEntry").
			On(eventAdvance).Target(statekit.StateID(StageFinalApproval)).
			Done().
		State(statekit.StateID(StageFinalApproval)).
			OnEntry("recordEntry").
			On(eventAdvance).Target(statekit.StateID(StageApproved)).
			Done().
		State(statekit.StateID(StageApproved)).
			Final().
			OnEntry("recordEntry").
			Done().
		Build()
}

// recordEntry stamps the time a stage was entered. The stage is read from
// the event payload; the initial entry has none.
func recordEntry(ctx **runContext, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	c := *ctx
	stage, ok := event.Payload.(Stage)
	if !ok {
		stage = StageSubmissionReceived
	}
	c.entered[stage] = c.now()
}

// Simulator starts approval runs.
type Simulator struct {
	machine   *statekit.MachineConfig[*runContext]
	approver  Approver
	scheduler Scheduler
	timeline  Timeline
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithScheduler replaces the timer scheduler.
func WithScheduler(s Scheduler) Option {
	return func(sim *Simulator) { sim.scheduler = s }
}

// WithTimeline replaces the default timeline.
func WithTimeline(t Timeline) Option {
	return func(sim *Simulator) { sim.timeline = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(sim *Simulator) { sim.logger = l }
}

// WithObserver registers a pipeline observer.
func WithObserver(o Observer) Option {
	return func(sim *Simulator) { sim.observer = o }
}

// WithClock sets the time source for stage timestamps.
func WithClock(now func() time.Time) Option {
	return func(sim *Simulator) { sim.now = now }
}

// NewSimulator builds the approval state machine.
func NewSimulator(approver Approver, opts ...Option) (*Simulator, error) {
	machine, err := newMachine()
	if err != nil {
		return nil, fmt.Errorf("approval: build state machine: %w", err)
	}
	sim := &Simulator{
		machine:   machine,
		approver:  approver,
		scheduler: TimerScheduler{},
		timeline:  DefaultTimeline(),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(sim)
	}
	if err := sim.timeline.Validate(); err != nil {
		return nil, err
	}
	return sim, nil
}

// Start begins the pipeline for an offer. The run outlives ctx's
// cancellation; only Stop cancels it. ctx values such as trace spans are
// kept for the store call.
func (s *Simulator) Start(ctx context.Context, tenantID, offerID string) *Run {
	rc := &runContext{entered: make(map[Stage]time.Time), now: s.now}
	interp := statekit.NewInterpreter(s.machine)
	interp.UpdateContext(func(c **runContext) { *c = rc })

	r := &Run{
		sim:      s,
		ctx:      context.WithoutCancel(ctx),
		tenantID: tenantID,
		offerID:  offerID,
		interp:   interp,
		rc:       rc,
		started:  s.now(),
		done:     make(chan struct{}),
		logger:   s.logger.With(zap.String("offer_id", offerID), zap.String("tenant_id", tenantID)),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	interp.Start()
	s.observer.StageEntered(StageSubmissionReceived)
	r.logger.Info("approval pipeline started")

	for i, offset := range s.timeline.offsets() {
		target := Stages[i+1]
		r.tasks = append(r.tasks, s.scheduler.AfterFunc(offset, func() { r.advance(target) }))
	}
	r.scheduleTick()
	return r
}

// Run is one offer's progression through the pipeline.
type Run struct {
	sim      *Simulator
	ctx      context.Context
	tenantID string
	offerID  string
	started  time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	interp   *statekit.Interpreter[*runContext]
	rc       *runContext
	tasks    []Task
	tick     Task
	progress int
	approved bool
	stopped  bool

	approveOnce sync.Once
	approveErr  error
	done        chan struct{}
}

func (r *Run) advance(target Stage) {
	r.mu.Lock()
	if r.stopped || r.approved {
		r.mu.Unlock()
		return
	}
	r.interp.Send(statekit.Event{Type: eventAdvance, Payload: target})
	stage := Stage(r.interp.State().Value)
	finished := r.interp.Done()
	if finished {
		r.approved = true
		r.progress = 100
		if r.tick != nil {
			r.tick.Stop()
		}
	}
	r.mu.Unlock()

	r.sim.observer.StageEntered(stage)
	r.logger.Info("approval stage entered", zap.String("stage", string(stage)))
	if finished {
		r.approve()
	}
}

// approve updates the offer exactly once per run.
func (r *Run) approve() {
	r.approveOnce.Do(func() {
		defer close(r.done)
		ctx, span := observability.StartSpan(r.ctx, "approval.Approve",
			observability.AttrOfferID.String(r.offerID),
			observability.AttrTenantID.String(r.tenantID),
			observability.AttrStage.String(string(StageApproved)),
		)
		changed, err := r.sim.approver.ApproveOffer(ctx, r.tenantID, r.offerID)
		observability.EndSpanWithError(span, err)
		r.sim.observer.Approved(r.sim.now().Sub(r.started), err)
		if err != nil {
			r.logger.Error("approving offer failed", zap.Error(err))
		} else {
			r.logger.Info("offer approved", zap.Bool("changed", changed))
		}
		r.mu.Lock()
		r.approveErr = err
		r.mu.Unlock()
	})
}

func (r *Run) scheduleTick() {
	r.tick = r.sim.scheduler.AfterFunc(r.sim.timeline.ProgressTick, r.onTick)
}

func (r *Run) onTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.approved {
		return
	}
	r.progress += r.sim.timeline.progressStep()
	if r.progress >= 100 {
		r.progress = 100
		return
	}
	r.scheduleTick()
}

// Stop cancels every pending stage and the progress ticker. A stopped run
// keeps its last status.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	for _, t := range r.tasks {
		t.Stop()
	}
	if r.tick != nil {
		r.tick.Stop()
	}
	r.interp.Stop()
}

// Done is closed once the offer has been approved in the store.
func (r *Run) Done() <-chan struct{} { return r.done }

// StageStatus reports one stage in a Status.
type StageStatus struct {
	Stage     Stage      `json:"stage"`
	Label     string     `json:"label"`
	State     string     `json:"state"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
}

// Stage states reported by StageStatus.
const (
	StateComplete = "complete"
	StateActive   = "active"
	StatePending  = "pending"
)

// Status is a snapshot of a run.
type Status struct {
	OfferID  string        `json:"offer_id"`
	Stage    Stage         `json:"stage"`
	Stages   []StageStatus `json:"stages"`
	Progress int           `json:"progress"`
	Approved bool          `json:"approved"`
	Error    string        `json:"error,omitempty"`
}

// Status returns the current state of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := Stage(r.interp.State().Value)
	st := Status{
		OfferID:  r.offerID,
		Stage:    current,
		Progress: r.progress,
		Approved: r.approved,
		Stages:   make([]StageStatus, len(Stages)),
	}
	if r.approveErr != nil {
		st.Error = r.approveErr.Error()
	}
	reached := true
	for i, stage := range Stages {
		ss := StageStatus{Stage: stage, Label: stage.Label(), State: StatePending}
		switch {
		case stage == current && stage != StageApproved:
			ss.State = StateActive
			reached = false
		case reached:
			ss.State = StateComplete
		}
		if at, ok := r.rc.entered[stage]; ok {
			ss.EnteredAt = &at
		}
		st.Stages[i] = ss
	}
	return st
}
