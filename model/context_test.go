package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "issuer-1", TenantID: "house-1"}},
		{name: "missing SubjectID", rc: &RequestContext{TenantID: "house-1"}, wantErr: true},
		{name: "missing TenantID", rc: &RequestContext{SubjectID: "issuer-1"}, wantErr: true},
		{name: "missing both", rc: &RequestContext{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"issuing_house", "viewer"}}
	if !rc.HasRole("issuing_house") {
		t.Error("HasRole(issuing_house) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestRequestContext_Owns(t *testing.T) {
	rc := &RequestContext{SubjectID: "issuer-1", TenantID: "house-1"}
	if !rc.Owns("house-1", "issuer-1") {
		t.Error("Owns(house-1, issuer-1) = false, want true")
	}
	if rc.Owns("house-2", "issuer-1") {
		t.Error("Owns(house-2, issuer-1) = true, want false")
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "issuer-1", TenantID: "house-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
