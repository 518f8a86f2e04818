package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v, want ok 1.2.3 abc1234", resp)
	}
}

type mockHealthChecker struct {
	err   error
	delay time.Duration
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady(t *testing.T) {
	loaded := func() bool { return true }
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok"},
		},
		{
			name:       "definitions missing",
			checks:     ReadinessChecks{DefinitionsLoaded: func() bool { return false }},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name:       "nil definitions check",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name: "stores healthy",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				OfferStore:        &mockHealthChecker{},
				DraftStore:        &mockHealthChecker{},
			},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok", "offer_store": "ok", "draft_store": "ok"},
		},
		{
			name: "offer store down",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				OfferStore:        &mockHealthChecker{err: errors.New("connection refused")},
				DraftStore:        &mockHealthChecker{},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "ok", "offer_store": "error", "draft_store": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name].Status; got != want {
					t.Errorf("%s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestHandleReady_errorMessageAndLatency(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		DraftStore:        &mockHealthChecker{err: errors.New("redis: timeout"), delay: 5 * time.Millisecond},
	})
	got := resp.Checks["draft_store"]
	if got.Error != "redis: timeout" {
		t.Errorf("error = %q, want redis: timeout", got.Error)
	}
	if got.LatencyMs < 5 {
		t.Errorf("latency = %dms, want >= 5", got.LatencyMs)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
}
