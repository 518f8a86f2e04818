package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/config"
	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/options"
	"github.com/pitabwire/offerdesk/internal/session"
	"github.com/pitabwire/offerdesk/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Sessions *session.Manager
	Registry *definition.Registry
	Offers   offering.Store
	Options  *options.Provider

	// Metrics is optional; without it /metrics is not served.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		sessions: deps.Sessions,
		registry: deps.Registry,
		offers:   deps.Offers,
		options:  deps.Options,
		logger:   logger,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled && deps.MetricsHandler != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = NewAuthenticator(deps.Config.Identity)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths, logger))
		r.Use(ResolveCapabilities(deps.CapabilityResolver))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapOfferingsCreate))

			r.Get("/wizards", h.listWizards)
			r.Post("/wizards/{schemaId}/sessions", h.startSession)

			r.Route("/sessions/{sessionId}", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Delete("/", h.closeSession)
				r.Get("/steps/{index}", h.getStep)

				r.Put("/fields/{fieldId}", h.editField)
				r.Delete("/fields/{fieldId}", h.clearField)
				r.Post("/fields/{fieldId}/items", h.addItem)
				r.Delete("/fields/{fieldId}/items/{itemId}", h.removeItem)
				r.Put("/fields/{fieldId}/items/{itemId}/{subId}", h.updateItem)

				r.Post("/next", h.next)
				r.Post("/back", h.back)
				r.Post("/goto/{index}", h.goTo)

				r.Get("/review", h.review)
				r.Post("/submit", h.submit)
				r.Get("/approval", h.approvalStatus)

				r.Post("/draft", h.saveDraft)
				r.Delete("/draft", h.discardDraft)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(model.CapOfferingsView))
			r.Get("/offers", h.listOffers)
			r.Get("/offers/{offerId}", h.getOffer)
		})

		r.With(RequireCapability(model.CapOptionsView)).Get("/options/{sourceKey}", h.getOptions)
	})

	return r
}
