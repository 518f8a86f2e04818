package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/options"
	"github.com/pitabwire/offerdesk/internal/session"
	"github.com/pitabwire/offerdesk/model"
)

const maxOfferPage = 200

// handlers holds the collaborators shared by the route handlers.
type handlers struct {
	sessions *session.Manager
	registry *definition.Registry
	offers   offering.Store
	options  *options.Provider
	logger   *zap.Logger
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeRequestError(w, r, h.logger, err)
}

type wizardSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

func (h *handlers) listWizards(w http.ResponseWriter, _ *http.Request) {
	schemas := h.registry.All()
	out := make([]wizardSummary, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, wizardSummary{ID: s.ID, Title: s.Title, Description: s.Description, Steps: len(s.Steps)})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"wizards": out})
}

func (h *handlers) listOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.OfferFilters{
		Status: model.OfferStatus(q.Get("status")),
		Type:   q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.fail(w, r, model.NewBadRequestError("limit must be a positive number"))
			return
		}
		filters.Limit = min(n, maxOfferPage)
	}

	rctx := model.MustRequestContext(r.Context())
	offers, err := h.offers.ListOffers(r.Context(), rctx.TenantID, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []model.CreatedOffer{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (h *handlers) getOffer(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	offer, err := h.offers.GetOfferByID(r.Context(), rctx.TenantID, chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, offer)
}

func (h *handlers) getOptions(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	key := chi.URLParam(r, "sourceKey")
	opts, err := h.options.Resolve(r.Context(), rctx.TenantID, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		opts = options.Filter(opts, q)
	}
	if opts == nil {
		opts = []model.Option{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"source": key, "options": opts})
}
