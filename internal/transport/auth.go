package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/offerdesk/internal/config"
	"github.com/pitabwire/offerdesk/model"
)

// Identity headers honoured when token verification is disabled.
const (
	HeaderTenantID  = "X-Tenant-Id"
	HeaderSubjectID = "X-Subject-Id"
	HeaderRoles     = "X-Roles"
	HeaderEmail     = "X-Email"
)

// NewAuthenticator returns the authenticator configured by cfg: bearer
// tokens signed with the shared secret, or identity headers when
// verification is disabled.
func NewAuthenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return HeaderAuthenticator(cfg.ClaimPaths)
	}
	return JWTAuthenticator(cfg, cfg.Secret())
}

// JWTAuthenticator returns middleware that verifies HMAC-signed JWT tokens
// from the Authorization header and stores verified claims in the request
// context.
func JWTAuthenticator(cfg config.IdentityConfig, secret []byte) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || tokenStr == "" {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			token, err := jwt.Parse(tokenStr, keyFunc, opts...)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// HeaderAuthenticator trusts the X-Tenant-Id, X-Subject-Id, X-Roles and
// X-Email headers and turns them into claims under claimPaths. It is meant
// for local development behind a trusted proxy.
func HeaderAuthenticator(claimPaths map[string]string) func(http.Handler) http.Handler {
	path := func(name string) string {
		if p, ok := claimPaths[name]; ok {
			return p
		}
		return name
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := strings.TrimSpace(r.Header.Get(HeaderSubjectID))
			tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
			if subject == "" || tenant == "" {
				WriteError(w, model.NewUnauthorizedError("Missing identity headers"))
				return
			}

			var roles []any
			for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
				if role = strings.TrimSpace(role); role != "" {
					roles = append(roles, role)
				}
			}
			claims := map[string]any{
				path("subject_id"): subject,
				path("tenant_id"):  tenant,
				path("roles"):      roles,
			}
			if email := r.Header.Get(HeaderEmail); email != "" {
				claims[path("email")] = email
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
