package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Wizard-specific error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrFieldReadOnly     = "FIELD_READ_ONLY"
	ErrInvalidValue      = "INVALID_VALUE"
	ErrSubmissionFailed  = "SUBMISSION_FAILED"
	ErrAlreadySubmitted  = "ALREADY_SUBMITTED"
	ErrNotReadyToSubmit  = "NOT_READY_TO_SUBMIT"
	ErrFieldRequiredCode = "REQUIRED"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSessionNotFound, Message: "Wizard session not found"}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewFieldReadOnlyError returns a FIELD_READ_ONLY error for the given field.
func NewFieldReadOnlyError(fieldID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFieldReadOnly,
		Message: fmt.Sprintf("Field %q cannot be edited", fieldID),
		Details: []FieldError{{Field: fieldID, Code: ErrFieldReadOnly, Message: "Field is read-only"}},
	}
}

// NewInvalidValueError returns an INVALID_VALUE error for the given field.
func NewInvalidValueError(fieldID, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidValue,
		Message: msg,
		Details: []FieldError{{Field: fieldID, Code: ErrInvalidValue, Message: msg}},
	}
}

// NewSubmissionFailedError returns the generic SUBMISSION_FAILED error
// surfaced when the offer store rejects a submission.
func NewSubmissionFailedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSubmissionFailed,
		Message: "The offer could not be submitted. Please try again.",
	}
}

// NewAlreadySubmittedError returns an ALREADY_SUBMITTED error.
func NewAlreadySubmittedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadySubmitted,
		Message: "This wizard session has already been submitted",
	}
}

// NewNotReadyToSubmitError returns a NOT_READY_TO_SUBMIT error.
func NewNotReadyToSubmitError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotReadyToSubmit,
		Message: "Submission is only possible from the review step",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
