package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/executor"
	"dfm/pkg/pipeline"
	"dfm/pkg/registry"
)

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := broker.NewFromRedisClient(rdb, time.Minute)
	t.Cleanup(func() { b.Close() })

	site := &config.SiteConfig{
		Name: "test-site",
		Providers: map[string]config.ProviderConfig{
			"dfm": {
				Description: "builtin test provider",
				Interface: map[string]config.AdapterBind{
					"dfm.api.constant.Constant": {AdapterClass: "constant"},
				},
			},
		},
	}

	reg := registry.New()
	store := executor.NewRequestStore(b)
	return New(site, reg, b, store, nil, 50*time.Millisecond)
}

func testPipelineJSON() []byte {
	p := pipeline.Pipeline{Nodes: []pipeline.Node{
		{NodeID: "c", ApiClass: "dfm.api.constant.Constant", Provider: "dfm", Params: map[string]any{"value": 42}, IsOutput: true},
	}}
	b, _ := json.Marshal(p)
	return b
}

func TestProcess_Version(t *testing.T) {
	p := newTestProcess(t)
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	p.Version("1.2.3")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out versionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Version != "1.2.3" || out.Site != "test-site" {
		t.Errorf("got %+v", out)
	}
}

func TestProcess_Discover(t *testing.T) {
	p := newTestProcess(t)
	req := httptest.NewRequest(http.MethodGet, "/discover", nil)
	rec := httptest.NewRecorder()
	p.Discover()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out discoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Providers) != 1 || out.Providers[0].Name != "dfm" {
		t.Errorf("got %+v", out.Providers)
	}
	if len(out.Providers[0].APIs) != 1 {
		t.Errorf("expected one api_class, got %v", out.Providers[0].APIs)
	}
}

func TestProcess_Submit_ThenResponsesAndCancel(t *testing.T) {
	p := newTestProcess(t)

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(testPipelineJSON()))
	rec := httptest.NewRecorder()
	p.Submit()(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var out processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.RequestID == "" {
		t.Fatal("expected a non-empty request_id")
	}

	respReq := httptest.NewRequest(http.MethodGet, "/responses/"+out.RequestID+"?timeout_ms=10", nil)
	respReq.SetPathValue("request_id", out.RequestID)
	respRec := httptest.NewRecorder()
	p.Responses()(respRec, respReq)
	if respRec.Code != http.StatusOK {
		t.Fatalf("responses status = %d, want 200, body=%s", respRec.Code, respRec.Body.String())
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/cancel/"+out.RequestID, nil)
	cancelReq.SetPathValue("request_id", out.RequestID)
	cancelRec := httptest.NewRecorder()
	p.Cancel()(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200, body=%s", cancelRec.Code, cancelRec.Body.String())
	}

	cancelled, err := p.store.IsCancelled(context.Background(), out.RequestID)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Error("expected request to be marked cancelled")
	}
}

func TestProcess_Submit_RejectsBadPipeline(t *testing.T) {
	p := newTestProcess(t)

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	p.Submit()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var out errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if out.ErrorKind != "BAD_PIPELINE" {
		t.Errorf("error_kind = %q, want BAD_PIPELINE", out.ErrorKind)
	}
}

func TestProcess_Submit_RejectsUnregisteredApiClass(t *testing.T) {
	p := newTestProcess(t)

	pl := pipeline.Pipeline{Nodes: []pipeline.Node{
		{NodeID: "n", ApiClass: "dfm.api.nonexistent.Thing", Provider: "dfm", IsOutput: true},
	}}
	body, _ := json.Marshal(pl)

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.Submit()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestProcess_Responses_UnknownRequestID(t *testing.T) {
	p := newTestProcess(t)

	req := httptest.NewRequest(http.MethodGet, "/responses/does-not-exist", nil)
	req.SetPathValue("request_id", "does-not-exist")
	rec := httptest.NewRecorder()
	p.Responses()(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestProcess_Cancel_UnknownRequestID(t *testing.T) {
	p := newTestProcess(t)

	req := httptest.NewRequest(http.MethodPost, "/cancel/does-not-exist", nil)
	req.SetPathValue("request_id", "does-not-exist")
	rec := httptest.NewRecorder()
	p.Cancel()(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}
