// Package transport contains the HTTP router, middleware chain, and the
// request handlers for wizard sessions, offers and option sources.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrSessionNotFound:   http.StatusNotFound,
	model.ErrFieldReadOnly:     http.StatusConflict,
	model.ErrInvalidValue:      http.StatusUnprocessableEntity,
	model.ErrSubmissionFailed:  http.StatusBadGateway,
	model.ErrAlreadySubmitted:  http.StatusConflict,
	model.ErrNotReadyToSubmit:  http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError for handlers: it stamps the trace ID on
// the envelope and logs errors that are not part of the API contract.
func writeRequestError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), fallback).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	} else {
		copied := *ee
		ee = &copied
	}
	ee.TraceID = observability.TraceIDFromContext(r.Context())
	WriteError(w, ee)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return model.NewBadRequestError("Request body is not valid JSON")
	}
	return nil
}

const maxBodyBytes = 1 << 20
