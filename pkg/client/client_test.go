package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dfm/pkg/pipeline"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Address == "" {
		t.Error("Address should not be empty")
	}
	if cfg.Timeout <= 0 {
		t.Error("Timeout should be positive")
	}
	if cfg.MaxRetries <= 0 {
		t.Error("MaxRetries should be positive")
	}
}

func TestNew_FillsZeroFieldsFromDefaults(t *testing.T) {
	c := New(Config{Address: "http://example.invalid"})
	if c.cfg.Timeout != DefaultConfig().Timeout {
		t.Errorf("Timeout = %v, want default", c.cfg.Timeout)
	}
	if c.cfg.MaxRetries != DefaultConfig().MaxRetries {
		t.Errorf("MaxRetries = %v, want default", c.cfg.MaxRetries)
	}
}

func TestClient_Version(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(VersionInfo{Version: "1.2.3", Site: "test-site"})
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	info, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if info.Version != "1.2.3" || info.Site != "test-site" {
		t.Errorf("Version() = %+v", info)
	}
}

func TestClient_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DiscoverResult{Providers: []ProviderInfo{
			{Name: "dfm", Description: "builtin", APIs: []string{"dfm.api.constant.Constant"}},
		}})
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	res, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Providers) != 1 || res.Providers[0].Name != "dfm" {
		t.Errorf("Discover() = %+v", res)
	}
}

func TestClient_Process(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var p pipeline.Pipeline
		_ = json.NewDecoder(r.Body).Decode(&p)
		if len(p.Nodes) != 1 {
			t.Errorf("expected 1 node, got %d", len(p.Nodes))
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": "req-123"})
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	p := pipeline.Pipeline{Nodes: []pipeline.Node{{NodeID: "a", ApiClass: "dfm.api.constant.Constant"}}}
	id, err := c.Process(context.Background(), p)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if id != "req-123" {
		t.Errorf("Process() = %q, want req-123", id)
	}
}

func TestClient_Process_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error_kind": "BAD_PIPELINE", "message": "cycle detected"})
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	_, err := c.Process(context.Background(), pipeline.Pipeline{})
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.ErrorKind != "BAD_PIPELINE" || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cancel/req-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	if err := c.Cancel(context.Background(), "req-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
}

func TestClient_Responses_StopsWhenStopNodesTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var page struct {
			Responses []pipeline.Response `json:"responses"`
		}
		switch calls {
		case 1:
			page.Responses = []pipeline.Response{
				pipeline.NewValueResponse("req-1", "done", 42),
			}
		case 2:
			page.Responses = []pipeline.Response{
				pipeline.NewStatusResponse("req-1", "done", pipeline.StateCompleted),
			}
		default:
			t.Fatalf("unexpected extra poll %d", calls)
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := c.Responses(ctx, "req-1", ResponsesOptions{
		StopNodeIDs:    []string{"done"},
		ReturnStatuses: true,
	})

	var got []pipeline.Response
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		got = append(got, item.Response)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %d (%+v)", len(got), got)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 polls, got %d", calls)
	}
}

func TestClient_Responses_FiltersHeartbeatsByDefault(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var page struct {
			Responses []pipeline.Response `json:"responses"`
		}
		if calls == 1 {
			page.Responses = []pipeline.Response{
				pipeline.NewHeartbeatResponse("req-2"),
				pipeline.NewStatusResponse("req-2", "done", pipeline.StateCompleted),
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := New(Config{Address: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := c.Responses(ctx, "req-2", ResponsesOptions{StopNodeIDs: []string{"done"}, ReturnStatuses: true})

	var got []pipeline.Response
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		got = append(got, item.Response)
	}
	if len(got) != 1 || got[0].Kind != pipeline.KindStatus {
		t.Errorf("expected only the status response, got %+v", got)
	}
}

func TestClient_Responses_BacksOffOnEmptyPoll(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var page struct {
			Responses []pipeline.Response `json:"responses"`
		}
		if calls >= 3 {
			page.Responses = []pipeline.Response{pipeline.NewStatusResponse("req-3", "done", pipeline.StateCompleted)}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := New(Config{Address: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := c.Responses(ctx, "req-3", ResponsesOptions{
		StopNodeIDs:      []string{"done"},
		ReturnStatuses:   true,
		EmptyPollBackoff: time.Millisecond,
		Sleep:            func(d time.Duration) { slept = append(slept, d); time.Sleep(d) },
	})

	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
	}
	if calls < 3 {
		t.Errorf("expected at least 3 polls before completion, got %d", calls)
	}
}
