package middleware

import (
	"net/http"
	"strconv"
	"time"

	"dfm/pkg/metrics"
)

// Metrics records HTTP request counts and latency for route, keyed by
// method and resulting status code.
func Metrics(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			metrics.Get().RecordHTTPRequest(route, r.Method, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}
