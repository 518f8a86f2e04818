package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/offerdesk/internal/config"
)

var testSecret = []byte("offerdesk-test-secret")

// --- test helpers ---

func signJWT(t *testing.T, key any, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Enabled:    true,
		Issuer:     "https://auth.example.com",
		Audience:   "offerdesk",
		Algorithms: []string{"HS256"},
		Leeway:     30 * time.Second,
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
			"locale":     "locale",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "analyst-1",
		"tenant_id": "house-1",
		"email":     "analyst@example.com",
		"roles":     []string{"offering_analyst"},
		"iss":       "https://auth.example.com",
		"aud":       "offerdesk",
		"exp":       jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

// claimsEcho responds 200 and records the claims it saw.
func claimsEcho(seen *map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_valid(t *testing.T) {
	var seen map[string]any
	handler := JWTAuthenticator(testIdentityCfg(), testSecret)(claimsEcho(&seen))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, testSecret, jwt.SigningMethodHS256, validClaims()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if seen["sub"] != "analyst-1" || seen["tenant_id"] != "house-1" {
		t.Errorf("claims = %v", seen)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name   string
		header func(t *testing.T) string
		want   string
	}{
		{"missing header", func(*testing.T) string { return "" }, "Missing authorization header"},
		{"not bearer", func(*testing.T) string { return "Basic dXNlcjpwYXNz" }, "Invalid authorization header format"},
		{"expired", func(t *testing.T) string {
			return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) {
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			}))
		}, "Token expired"},
		{"no expiry", func(t *testing.T) string {
			return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { delete(c, "exp") }))
		}, "Token is missing a required claim"},
		{"wrong issuer", func(t *testing.T) string {
			return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }))
		}, "Invalid token issuer"},
		{"wrong audience", func(t *testing.T) string {
			return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { c["aud"] = "other-service" }))
		}, "Invalid token audience"},
		{"wrong secret", func(t *testing.T) string {
			return "Bearer " + signJWT(t, []byte("another-secret"), jwt.SigningMethodHS256, validClaims())
		}, "Invalid token signature"},
		{"disallowed algorithm", func(t *testing.T) string {
			return "Bearer " + signJWT(t, testSecret, jwt.SigningMethodHS512, validClaims())
		}, "Disallowed signing algorithm"},
		{"asymmetric token", func(t *testing.T) string {
			return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, validClaims())
		}, "Disallowed signing algorithm"},
		{"garbage", func(*testing.T) string { return "Bearer not.a.token" }, "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen map[string]any
			handler := JWTAuthenticator(testIdentityCfg(), testSecret)(claimsEcho(&seen))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if got := decodeError(t, w).Message; got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
			if seen != nil {
				t.Error("next handler should not run")
			}
		})
	}
}

// --- HeaderAuthenticator tests ---

func TestHeaderAuthenticator(t *testing.T) {
	var seen map[string]any
	handler := HeaderAuthenticator(testIdentityCfg().ClaimPaths)(claimsEcho(&seen))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	req.Header.Set(HeaderSubjectID, "analyst-1")
	req.Header.Set(HeaderTenantID, "house-1")
	req.Header.Set(HeaderRoles, "offering_analyst, offering_viewer,")
	req.Header.Set(HeaderEmail, "analyst@example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	roles, _ := seen["roles"].([]any)
	if seen["sub"] != "analyst-1" || seen["tenant_id"] != "house-1" || len(roles) != 2 {
		t.Errorf("claims = %v", seen)
	}
	if seen["email"] != "analyst@example.com" {
		t.Errorf("email = %v", seen["email"])
	}
}

func TestHeaderAuthenticator_missingHeaders(t *testing.T) {
	var seen map[string]any
	handler := HeaderAuthenticator(nil)(claimsEcho(&seen))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	req.Header.Set(HeaderSubjectID, "analyst-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestNewAuthenticator_selectsMode(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.Enabled = false
	var seen map[string]any
	handler := NewAuthenticator(cfg)(claimsEcho(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderSubjectID, "analyst-1")
	req.Header.Set(HeaderTenantID, "house-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("disabled identity: status = %d, want 200 with headers", w.Code)
	}

	cfg.Enabled = true
	handler = NewAuthenticator(cfg)(claimsEcho(&seen))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("enabled identity: status = %d, want 401 without a token", w.Code)
	}
}
