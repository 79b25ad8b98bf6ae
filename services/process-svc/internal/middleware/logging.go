package middleware

import (
	"net/http"
	"time"

	"dfm/pkg/logger"
)

// Logging assigns each request a request id and logs method, route, status
// and duration once the handler returns.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := GenerateRequestID()
		ctx := WithRequestID(r.Context(), requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		duration := time.Since(start)

		fields := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
		}
		if userID := GetUserID(ctx); userID != "" {
			fields = append(fields, "user_id", userID)
		}

		if rec.status >= 500 {
			logger.Log.Error("request failed", fields...)
		} else {
			logger.Log.Info("request completed", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
