package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"dfm/pkg/config"
)

// Auth verifies a JWT bearer token on every request except those whose
// path is in publicPaths (health checks and the like). The token's
// subject claim becomes the request's user id. Disabled entirely when
// cfg.Enabled is false, so a site with no identity provider can still run.
func Auth(cfg config.AuthConfig, publicPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, err := extractBearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims := jwt.RegisteredClaims{}
			parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(cfg.SigningKey), nil
			}, jwt.WithIssuer(cfg.Issuer), jwt.WithAudience(cfg.Audience))
			if err != nil || !parsed.Valid {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := WithUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingAuthHeader
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errMissingAuthHeader
	}
	return token, nil
}

var errMissingAuthHeader = httpError("missing bearer token")

type httpError string

func (e httpError) Error() string { return string(e) }

// PublicPaths returns the set of HTTP routes that never require a bearer
// token: health and readiness probes, and metadata discovery.
func PublicPaths() map[string]bool {
	return map[string]bool{
		"/health":   true,
		"/readyz":   true,
		"/version":  true,
		"/discover": true,
	}
}
