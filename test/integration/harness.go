// Package integration provides a reusable test harness for end-to-end
// integration testing of the offerdesk server. It starts a full HTTP server
// with JWT authentication, in-memory offer storage, and a manually driven
// approval clock.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/offerdesk/internal/approval"
	"github.com/pitabwire/offerdesk/internal/capability"
	"github.com/pitabwire/offerdesk/internal/config"
	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/draft"
	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/options"
	"github.com/pitabwire/offerdesk/internal/session"
	"github.com/pitabwire/offerdesk/internal/transport"
	"github.com/pitabwire/offerdesk/model"
)

// TestHarness encapsulates a fully wired offerdesk instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Sessions    *session.Manager
	Offers      *offering.MemoryStore
	Drafts      draft.Store
	Scheduler   *approval.ManualScheduler
	CapResolver model.CapabilityResolver
	Metrics     *observability.Metrics
	Redis       *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	redisDrafts    bool
	handlerTimeout time.Duration
	idleTimeout    time.Duration
}

// WithDefinitions sets the wizard schema directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRedisDrafts stores drafts in an in-process Redis server instead of
// memory.
func WithRedisDrafts() HarnessOption {
	return func(c *harnessConfig) {
		c.redisDrafts = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full offerdesk test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		idleTimeout:    time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}

	root := definitionsDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(root, "wizards")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(root, "policies.yaml")
	}

	h := &TestHarness{t: t}

	// Step 1: Load wizard schemas.
	schemas, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(schemas)

	// Step 2: Build metrics on a private registry.
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)

	// Step 3: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(evaluator, time.Minute, 100)
	resolver.SetObserver(h.Metrics)
	h.CapResolver = resolver

	// Step 4: Build stores.
	h.Offers = offering.NewMemoryStore()
	var readiness observability.ReadinessChecks
	if hc.redisDrafts {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		store := draft.NewRedisStore(client, time.Hour)
		h.Drafts = store
		readiness.DraftStore = store
	} else {
		h.Drafts = draft.NewMemoryStore(time.Hour)
	}

	// Step 5: Build option lookups from the schemas' inline sources.
	static := options.StaticSource{}
	for _, s := range schemas {
		for key, opts := range s.OptionSources {
			static[key] = opts
		}
	}
	provider := options.NewProvider(time.Minute, 100, nil, static)
	provider.SetObserver(h.Metrics)

	// Step 6: Build the approval simulator on a manual clock.
	h.Scheduler = approval.NewManualScheduler()
	sim, err := approval.NewSimulator(h.Offers, approval.WithScheduler(h.Scheduler))
	if err != nil {
		t.Fatalf("build approval simulator: %v", err)
	}

	// Step 7: Build the session manager.
	h.Sessions = session.NewManager(session.Dependencies{
		Registry:       h.Registry,
		Drafts:         h.Drafts,
		Offers:         h.Offers,
		Approvals:      sim,
		Options:        provider,
		EngineObserver: h.Metrics,
		Observer:       h.Metrics,
	}, session.Config{IdleTimeout: hc.idleTimeout})
	t.Cleanup(h.Sessions.Shutdown)

	// Step 8: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 9: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Enabled:    true,
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		Algorithms: []string{"HS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
			"locale":     "locale",
		},
	}

	// Step 10: Build router with full middleware chain.
	readiness.DefinitionsLoaded = func() bool { return len(h.Registry.All()) > 0 }
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		CapabilityResolver: h.CapResolver,
		Sessions:           h.Sessions,
		Registry:           h.Registry,
		Offers:             h.Offers,
		Options:            provider,
		Metrics:            h.Metrics,
		MetricsHandler:     observability.HandlerFor(reg),
		Readiness:          readiness,
	})

	// Step 11: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// Do performs a request with arbitrary method and headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope's code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	return body.Error
}

// --- Wizard helpers ---

// StartSession opens a security-creation session and returns its view.
func (h *TestHarness) StartSession(t *testing.T, token string) session.View {
	t.Helper()
	var v session.View
	resp := h.POST("/api/v1/wizards/security-creation/sessions", map[string]any{}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &v)
	return v
}

// EditField sets a field through the API and expects success.
func (h *TestHarness) EditField(t *testing.T, token, sessionID, fieldID string, value any) {
	t.Helper()
	resp := h.PUT("/api/v1/sessions/"+sessionID+"/fields/"+fieldID, map[string]any{"value": value}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// FillGovernmentBond answers every required question for a government bond
// and walks the session to the review step with next.
func (h *TestHarness) FillGovernmentBond(t *testing.T, claims TestClaims, sessionID string) {
	t.Helper()
	token := h.GenerateToken(claims)
	base := "/api/v1/sessions/" + sessionID
	h.EditField(t, token, sessionID, "securityType", "DEBT")
	h.EditField(t, token, sessionID, "issuerType", "GOVERNMENT")
	h.EditField(t, token, sessionID, "offerName", "FGN Savings Bond October 2026")
	h.EditField(t, token, sessionID, "amountToRaise", 5000000)
	h.EditField(t, token, sessionID, "couponRate", 14.5)
	h.EditField(t, token, sessionID, "tenorYears", 2)
	h.EditField(t, token, sessionID, "openingDate", "2026-11-02")
	h.EditField(t, token, sessionID, "closingDate", "2026-11-30")
	h.EditField(t, token, sessionID, "prospectus", map[string]any{"name": "prospectus.pdf", "size": 2048, "type": "application/pdf"})
	h.EditField(t, token, sessionID, "trustDeed", map[string]any{"name": "trust-deed.pdf", "size": 1024, "type": "application/pdf"})

	h.AssertStatus(t, h.POST(base+"/fields/underwriters/items", nil, token), http.StatusCreated)
	s, err := h.Sessions.Get(claims.RequestContext(), sessionID)
	if err != nil {
		t.Fatalf("lookup session %s: %v", sessionID, err)
	}
	cards, _ := s.Engine().Values()["underwriters"].([]model.Record)
	if len(cards) != 1 {
		t.Fatalf("underwriters = %v, want one card", cards)
	}
	h.AssertStatus(t, h.PUT(base+"/fields/underwriters/items/"+cards[0].ID()+"/name",
		map[string]any{"value": "Debt Management Office"}, token), http.StatusOK)

	review := s.Engine().Schema().StepIndex(model.StepReview)
	for s.Engine().CurrentStep() < review {
		var next struct {
			Result struct {
				Moved  bool              `json:"moved"`
				Errors map[string]string `json:"errors"`
			} `json:"result"`
		}
		h.AssertJSON(t, h.POST(base+"/next", nil, token), http.StatusOK, &next)
		if !next.Result.Moved {
			t.Fatalf("next blocked at step %d: %v", s.Engine().CurrentStep(), next.Result.Errors)
		}
	}
}

// --- Default test claims ---

// AnalystClaims returns TestClaims for an offering_analyst user.
func AnalystClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-analyst",
		TenantID:  "house-lagos",
		Email:     "analyst@house-lagos.example.com",
		Roles:     []string{"offering_analyst"},
	}
}

// ViewerClaims returns TestClaims for an offering_viewer user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "house-lagos",
		Email:     "viewer@house-lagos.example.com",
		Roles:     []string{"offering_viewer"},
	}
}

// AdminClaims returns TestClaims for an issuer_admin user.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "house-lagos",
		Email:     "admin@house-lagos.example.com",
		Roles:     []string{"issuer_admin"},
	}
}

// OtherTenantAnalystClaims returns TestClaims for an analyst at another house.
func OtherTenantAnalystClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-analyst",
		TenantID:  "house-abuja",
		Email:     "analyst@house-abuja.example.com",
		Roles:     []string{"offering_analyst"},
	}
}

// --- Helpers ---

// definitionsDir returns the absolute path to the repository's definitions
// directory.
func definitionsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "definitions")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
