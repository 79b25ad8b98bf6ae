package middleware

import (
	"net/http"
	"strconv"
	"time"

	"dfm/pkg/ratelimit"
)

// KeyExtractor derives a rate-limit key from a request (by user, by IP, ...).
type KeyExtractor func(r *http.Request) string

// DefaultKeyExtractor keys by authenticated user id when present, falling
// back to the client's IP address.
func DefaultKeyExtractor(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + xff
	}
	return "ip:" + r.RemoteAddr
}

// RateLimit rejects requests past limiter's configured rate with 429,
// setting standard X-RateLimit-* response headers. Errors from the
// limiter itself fail open: a broker outage should not take the ingress
// surface down with it.
func RateLimit(limiter ratelimit.Limiter, keyFn KeyExtractor) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DefaultKeyExtractor
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				info, infoErr := limiter.GetInfo(r.Context(), key)
				resetAt := time.Now().Add(time.Minute)
				limit := 0
				if infoErr == nil && info != nil {
					resetAt = info.ResetAt
					limit = info.Limit
				}

				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
