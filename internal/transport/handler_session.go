package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/session"
	"github.com/pitabwire/offerdesk/model"
)

type startSessionRequest struct {
	ResumeDraft bool `json:"resume_draft"`
}

type editRequest struct {
	Value any `json:"value"`
}

// stepResponse pairs the session summary with the step the caller is on, so
// the client can re-render after a mutation in one round trip.
type stepResponse struct {
	Session session.View `json:"session"`
	Step    any          `json:"step"`
}

type navigationResponse struct {
	Result  any          `json:"result"`
	Session session.View `json:"session"`
}

type submitResponse struct {
	Offer   model.CreatedOffer `json:"offer"`
	Session session.View       `json:"session"`
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rctx := model.MustRequestContext(r.Context())
	s, err := h.sessions.Start(r.Context(), rctx, chi.URLParam(r, "schemaId"), req.ResumeDraft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, s.View())
}

// session resolves the {sessionId} URL parameter for the caller, writing
// the error response itself when the session is not visible.
func (h *handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(model.MustRequestContext(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, s.View())
}

func (h *handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(model.MustRequestContext(r.Context()), chi.URLParam(r, "sessionId")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getStep(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.fail(w, r, model.NewBadRequestError("Step index must be a number"))
		return
	}
	view, err := s.StepView(r.Context(), index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// respondWithStep writes the session summary together with the current
// step view.
func (h *handlers) respondWithStep(w http.ResponseWriter, r *http.Request, s *session.Session, status int) {
	view := s.View()
	step, err := s.StepView(r.Context(), view.CurrentStep)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, status, stepResponse{Session: view, Step: step})
}

func (h *handlers) editField(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req editRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	fieldID := chi.URLParam(r, "fieldId")
	trace.SpanFromContext(r.Context()).SetAttributes(observability.AttrFieldID.String(fieldID))
	if logger := observability.LoggerFrom(r.Context(), h.logger); logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("field edit",
			zap.String("session_id", s.ID),
			zap.String("field_id", fieldID),
			observability.FormValue(fieldID, req.Value),
		)
	}
	if err := s.Edit(r.Context(), fieldID, req.Value); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusOK)
}

func (h *handlers) clearField(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.ClearField(chi.URLParam(r, "fieldId")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusOK)
}

func (h *handlers) addItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.AddItem(chi.URLParam(r, "fieldId")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusCreated)
}

func (h *handlers) removeItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.RemoveItem(chi.URLParam(r, "fieldId"), chi.URLParam(r, "itemId")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusOK)
}

func (h *handlers) updateItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req editRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	fieldID, itemID, subID := chi.URLParam(r, "fieldId"), chi.URLParam(r, "itemId"), chi.URLParam(r, "subId")
	observability.LoggerFrom(r.Context(), h.logger).Debug("item edit",
		zap.String("session_id", s.ID),
		zap.String("field_id", fieldID),
		zap.String("item_id", itemID),
		observability.FormValue(subID, req.Value),
	)
	err := s.UpdateItem(fieldID, itemID, subID, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusOK)
}

// --- Navigation ---

func (h *handlers) next(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Next()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, navigationResponse{Result: res, Session: s.View()})
}

func (h *handlers) back(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Back()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, navigationResponse{Result: res, Session: s.View()})
}

func (h *handlers) goTo(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.fail(w, r, model.NewBadRequestError("Step index must be a number"))
		return
	}
	res, err := s.GoTo(index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, navigationResponse{Result: res, Session: s.View()})
}

// --- Review and submission ---

func (h *handlers) review(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, s.Review())
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	offer, err := s.Submit(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, submitResponse{Offer: offer, Session: s.View()})
}

func (h *handlers) approvalStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, ok := s.ApprovalStatus()
	if !ok {
		h.fail(w, r, model.NewNotFoundError("The session has not been submitted"))
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// --- Drafts ---

func (h *handlers) saveDraft(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if s.Phase() == session.PhaseSubmitted {
		h.fail(w, r, model.NewAlreadySubmittedError())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"saved": s.SaveDraft(r.Context())})
}

func (h *handlers) discardDraft(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.DiscardDraft(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithStep(w, r, s, http.StatusOK)
}
