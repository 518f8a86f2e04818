package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/pitabwire/offerdesk/internal/approval"
	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/draft"
	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/wizard"
	"github.com/pitabwire/offerdesk/model"
)

// Close reasons reported to the Observer.
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Observer receives session lifecycle events.
type Observer interface {
	SessionStarted(schemaID string, resumed bool)
	SessionClosed(schemaID, reason string)
	Submitted(schemaID string, err error)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string, bool)  {}
func (nopObserver) SessionClosed(string, string) {}
func (nopObserver) Submitted(string, error)      {}

// Config holds the session manager settings.
type Config struct {
	AutoSaveInterval time.Duration
	IdleTimeout      time.Duration
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Registry  *definition.Registry
	Drafts    draft.Store
	Offers    offering.Store
	Approvals *approval.Simulator
	Options   wizard.OptionResolver

	// EngineObserver receives wizard engine events of every session.
	EngineObserver wizard.Observer
	Observer       Observer
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Manager creates, looks up and closes sessions. Sessions are only visible
// to the tenant and subject that created them.
type Manager struct {
	deps Dependencies
	cfg  Config

	// baseCtx outlives requests; auto-save loops run under it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(deps Dependencies, cfg Config) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		cfg:        cfg,
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[string]*Session),
	}
}

// Start opens a new session on schemaID for the caller. With resume set,
// the caller's saved draft for the schema is restored when one exists.
func (m *Manager) Start(ctx context.Context, rctx *model.RequestContext, schemaID string, resume bool) (*Session, error) {
	schema, ok := m.deps.Registry.Get(schemaID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("wizard %q not found", schemaID))
	}

	id := uuid.NewString()
	logger := m.deps.Logger.With(
		zap.String("session_id", id),
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	)

	opts := []wizard.Option{
		wizard.WithLogger(logger),
		wizard.WithClock(m.deps.Clock),
	}
	if m.deps.Drafts != nil {
		opts = append(opts, wizard.WithDraftStore(m.deps.Drafts, draft.FormatKey(rctx.TenantID, rctx.SubjectID, schemaID)))
	}
	if m.deps.Options != nil {
		opts = append(opts, wizard.WithOptionResolver(m.deps.Options, rctx.TenantID))
	}
	if m.deps.EngineObserver != nil {
		opts = append(opts, wizard.WithObserver(m.deps.EngineObserver))
	}
	if rctx.Locale != "" {
		if tag, err := language.Parse(rctx.Locale); err == nil {
			opts = append(opts, wizard.WithLocale(tag))
		}
	}

	engine := wizard.NewEngine(schema, opts...)
	resumed := resume && engine.LoadDraft(ctx)
	if !resume {
		// Starting fresh replaces whatever draft the caller had.
		engine.ClearDraft(ctx)
	}

	now := m.deps.Clock()
	s := &Session{
		ID:         id,
		SchemaID:   schemaID,
		TenantID:   rctx.TenantID,
		SubjectID:  rctx.SubjectID,
		CreatedAt:  now,
		Resumed:    resumed,
		engine:     engine,
		nav:        wizard.NewNavigator(engine),
		offers:     m.deps.Offers,
		approvals:  m.deps.Approvals,
		observer:   m.deps.Observer,
		logger:     logger,
		now:        m.deps.Clock,
		lastActive: now,
	}
	engine.StartAutoSave(m.baseCtx, m.cfg.AutoSaveInterval)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.deps.Observer.SessionStarted(schemaID, resumed)
	logger.Info("wizard session started", zap.String("schema_id", schemaID), zap.Bool("resumed", resumed))
	return s, nil
}

// Get returns the caller's session. Sessions of other callers are reported
// as not found.
func (m *Manager) Get(rctx *model.RequestContext, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !rctx.Owns(s.TenantID, s.SubjectID) {
		return nil, model.NewSessionNotFoundError()
	}
	return s, nil
}

// Close closes the caller's session, cancelling auto-save and any pending
// approval stages.
func (m *Manager) Close(rctx *model.RequestContext, id string) error {
	s, err := m.Get(rctx, id)
	if err != nil {
		return err
	}
	m.remove(s, ReasonClosed)
	return nil
}

func (m *Manager) remove(s *Session, reason string) {
	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	m.deps.Observer.SessionClosed(s.SchemaID, reason)
	s.logger.Info("wizard session closed", zap.String("reason", reason))
}

// ReapIdle closes every session inactive for longer than the idle timeout
// and returns how many were closed. A non-positive timeout disables reaping.
func (m *Manager) ReapIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	_, span := observability.StartSpan(ctx, "session.ReapIdle")
	defer span.End()

	cutoff := m.deps.Clock().Add(-m.cfg.IdleTimeout)
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		span.AddEvent("reap", trace.WithAttributes(s.spanAttrs()...))
		m.remove(s, ReasonIdle)
	}
	if len(idle) > 0 {
		m.deps.Logger.Info("idle wizard sessions reaped", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// RunReaper calls ReapIdle every interval until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(ctx)
		}
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session and stops their background work.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.remove(s, ReasonShutdown)
	}
	m.cancelBase()
}
