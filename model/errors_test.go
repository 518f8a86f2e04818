package model

import "testing"

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Offer not found"}
	want := "NOT_FOUND: Offer not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "securityType", Code: ErrFieldRequiredCode, Message: "Security Type is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "securityType" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "securityType")
	}
}

func TestNewFieldReadOnlyError(t *testing.T) {
	e := NewFieldReadOnlyError("totalUnits")
	if e.Code != ErrFieldReadOnly {
		t.Errorf("Code = %q, want %q", e.Code, ErrFieldReadOnly)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "totalUnits" {
		t.Errorf("Details = %v, want one entry for totalUnits", e.Details)
	}
}

func TestNewInvalidValueError(t *testing.T) {
	e := NewInvalidValueError("marketType", "not an option")
	if e.Code != ErrInvalidValue {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidValue)
	}
	if e.Message != "not an option" {
		t.Errorf("Message = %q, want %q", e.Message, "not an option")
	}
}

func TestNewSubmissionFailedError(t *testing.T) {
	e := NewSubmissionFailedError()
	if e.Code != ErrSubmissionFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrSubmissionFailed)
	}
	if e.Message == "" {
		t.Error("Message should not be empty")
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
}
