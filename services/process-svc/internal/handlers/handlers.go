// Package handlers implements Process's five HTTP/JSON operations from
// spec.md §4.5/§6: version, discover, process, responses and cancel.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dfm/pkg/apperror"
	"dfm/pkg/audit"
	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/executor"
	"dfm/pkg/logger"
	"dfm/pkg/pipeline"
	"dfm/pkg/registry"

	"dfm/services/process-svc/internal/middleware"
)

// Process is the ingress handler: it verifies and optimizes a submitted
// pipeline, seeds its ready nodes onto the broker, and serves the
// responses()/cancel() polling surface against the shared RequestStore.
type Process struct {
	site     *config.SiteConfig
	registry *registry.Registry
	broker   *broker.Client
	store    *executor.RequestStore
	auditLog audit.Logger
	longPoll time.Duration
}

// New builds a Process handler set.
func New(site *config.SiteConfig, reg *registry.Registry, b *broker.Client, store *executor.RequestStore, auditLog audit.Logger, longPoll time.Duration) *Process {
	if longPoll <= 0 {
		longPoll = 20 * time.Second
	}
	return &Process{site: site, registry: reg, broker: b, store: store, auditLog: auditLog, longPoll: longPoll}
}

// versionResponse is the body of GET /version.
type versionResponse struct {
	Version string `json:"version"`
	Site    string `json:"site"`
}

// Version serves GET /version.
func (p *Process) Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, versionResponse{Version: version, Site: p.site.Name})
	}
}

type providerInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	APIs        []string `json:"apis"`
}

type discoverResponse struct {
	Providers []providerInfo `json:"providers"`
}

// Discover serves GET /discover, listing every configured provider and
// the api_class set it offers.
func (p *Process) Discover() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]providerInfo, 0, len(p.site.Providers))
		for name, prov := range p.site.Providers {
			apis := make([]string, 0, len(prov.Interface))
			for apiClass := range prov.Interface {
				apis = append(apis, apiClass)
			}
			out = append(out, providerInfo{Name: name, Description: prov.Description, APIs: apis})
		}
		writeJSON(w, http.StatusOK, discoverResponse{Providers: out})
	}
}

type processResponse struct {
	RequestID string `json:"request_id"`
}

// Submit serves POST /process: it decodes, verifies and optimizes the
// submitted pipeline, persists the resulting Request, seeds its initial
// ready set onto exec:queue/sched:delayed, and returns its assigned id.
func (p *Process) Submit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw pipeline.Pipeline
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, apperror.New(apperror.BadPipeline, "malformed pipeline json: "+err.Error()))
			return
		}

		if err := pipeline.Verify(raw, p.site, p.registry); err != nil {
			writeError(w, err)
			return
		}

		optimized, err := pipeline.Optimize(raw, p.registry)
		if err != nil {
			writeError(w, err)
			return
		}

		req := pipeline.NewRequest(uuid.NewString(), optimized)

		if err := p.store.Save(r.Context(), req); err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to persist request"))
			return
		}
		if err := executor.Seed(r.Context(), p.broker, req); err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to seed request"))
			return
		}

		p.logAudit(r, audit.ActionProcess, req.RequestID, nil)
		writeJSON(w, http.StatusAccepted, processResponse{RequestID: req.RequestID})
	}
}

type responsesPage struct {
	Responses []pipeline.Response `json:"responses"`
}

// Responses serves GET /responses/{request_id}?max=N&timeout_ms=T: a
// single long-poll drain of the request's response queue.
func (p *Process) Responses() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")

		exists, err := p.store.Exists(r.Context(), requestID)
		if err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to look up request"))
			return
		}
		if !exists {
			writeError(w, apperror.New(apperror.NoSuchRequest, "no such request: "+requestID))
			return
		}

		maxN := int64(100)
		if v := r.URL.Query().Get("max"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				maxN = n
			}
		}
		timeout := p.longPoll
		if v := r.URL.Query().Get("timeout_ms"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
		}

		resps, err := p.store.PopResponses(r.Context(), requestID, maxN, timeout)
		if err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to drain responses"))
			return
		}
		writeJSON(w, http.StatusOK, responsesPage{Responses: resps})
	}
}

type cancelResponse struct {
	OK bool `json:"ok"`
}

// Cancel serves POST /cancel/{request_id}: it marks the request
// cancelled so in-flight and future workers stop scheduling its nodes.
func (p *Process) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")

		exists, err := p.store.Exists(r.Context(), requestID)
		if err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to look up request"))
			return
		}
		if !exists {
			writeError(w, apperror.New(apperror.NoSuchRequest, "no such request: "+requestID))
			return
		}

		if err := p.store.SetCancelled(r.Context(), requestID); err != nil {
			writeError(w, apperror.Wrap(err, apperror.Internal, "failed to cancel request"))
			return
		}

		p.logAudit(r, audit.ActionCancel, requestID, nil)
		writeJSON(w, http.StatusOK, cancelResponse{OK: true})
	}
}

func (p *Process) logAudit(r *http.Request, action audit.Action, requestID string, cause error) {
	if p.auditLog == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	entry := audit.NewEntry().
		Service("process-svc").
		Method(string(action)).
		Action(action).
		RequestID(requestID).
		User(middleware.GetUserID(r.Context()), "")
	if cause != nil {
		outcome = audit.OutcomeFailure
		entry = entry.Error(string(apperror.KindOf(cause)), cause.Error())
	}
	if err := p.auditLog.Log(r.Context(), entry.Outcome(outcome).Build()); err != nil {
		logger.Warn("handlers: failed to log audit entry", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("handlers: failed to encode response body", "error", err)
	}
}

type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperror.HTTPStatus(err), errorBody{
		ErrorKind: string(apperror.KindOf(err)),
		Message:   err.Error(),
	})
}
