package integration

import (
	"crypto/rand"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/offerdesk/model"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Locale    string
	Roles     []string
	Extra     map[string]any
}

// RequestContext returns the request context the server derives from the
// claims, for direct calls into the session manager.
func (c TestClaims) RequestContext() *model.RequestContext {
	return &model.RequestContext{SubjectID: c.SubjectID, TenantID: c.TenantID, Email: c.Email}
}

// tokenIssuer holds a shared HMAC secret for signing JWTs.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

// newTokenIssuer creates a token issuer with a fresh random secret.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate HMAC secret: %v", err)
	}

	return &tokenIssuer{
		secret:   secret,
		issuer:   "https://auth.test.offerdesk.dev",
		audience: "offerdesk-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expiresAt),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if c.Locale != "" {
		mapClaims["locale"] = c.Locale
	}

	if len(c.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	maps.Copy(mapClaims, c.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// SignWith signs arbitrary claims with the given method and key, for tests
// that forge tokens.
func (ti *tokenIssuer) SignWith(method jwt.SigningMethod, key any, c TestClaims) string {
	now := time.Now()
	signed, err := jwt.NewWithClaims(method, ti.claims(c, now, now.Add(time.Hour))).SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Secret returns the HMAC secret tokens are signed with.
func (ti *tokenIssuer) Secret() []byte {
	return ti.secret
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
