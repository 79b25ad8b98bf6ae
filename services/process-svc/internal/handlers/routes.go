package handlers

import (
	"net/http"

	"dfm/pkg/config"
	"dfm/pkg/ratelimit"

	"dfm/services/process-svc/internal/middleware"
)

// Mount registers Process's five HTTP/JSON operations on mux and wraps
// them in the shared middleware chain: CORS, auth, request logging,
// metrics and rate limiting, applied outermost-first in that order.
func Mount(mux *http.ServeMux, p *Process, version string, cfg *config.Config, limiter ratelimit.Limiter) {
	routes := []struct {
		pattern string
		route   string
		handler http.HandlerFunc
	}{
		{"GET /version", "/version", p.Version(version)},
		{"GET /discover", "/discover", p.Discover()},
		{"POST /process", "/process", p.Submit()},
		{"GET /responses/{request_id}", "/responses/{request_id}", p.Responses()},
		{"POST /cancel/{request_id}", "/cancel/{request_id}", p.Cancel()},
	}

	for _, rt := range routes {
		mux.Handle(rt.pattern, wrap(rt.handler, rt.route, cfg, limiter))
	}

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /readyz", handleHealth)
}

// handleHealth answers liveness/readiness probes; Process has no external
// dependency it must confirm before accepting traffic, so both checks are
// unconditional 200s once the process is up.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func wrap(h http.HandlerFunc, route string, cfg *config.Config, limiter ratelimit.Limiter) http.Handler {
	var handler http.Handler = h
	handler = middleware.RateLimit(limiter, middleware.DefaultKeyExtractor)(handler)
	handler = middleware.Metrics(route)(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Auth(cfg.HTTP.Auth, middleware.PublicPaths())(handler)
	handler = middleware.CORS(cfg.HTTP.CORS)(handler)
	return handler
}
