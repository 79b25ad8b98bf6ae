package executor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"dfm/pkg/broker"
	"dfm/pkg/pipeline"
)

func newTestStore(t *testing.T) (*RequestStore, *broker.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := broker.NewFromRedisClient(rdb, time.Minute)
	t.Cleanup(func() { b.Close() })

	return NewRequestStore(b), b
}

func testPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{Nodes: []pipeline.Node{
		{NodeID: "c", ApiClass: "dfm.api.constant.Constant", Params: map[string]any{"value": 42}, IsOutput: true},
	}}
}

func TestRequestStore_SaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := pipeline.NewRequest("req-1", testPipeline())
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "req-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected a request, got nil")
	}
	if len(got.Pipeline.Nodes) != 1 || got.Pipeline.Nodes[0].NodeID != "c" {
		t.Errorf("unexpected pipeline round trip: %+v", got.Pipeline)
	}
	if got.NodeState["c"] != pipeline.StatePending {
		t.Errorf("expected c to start PENDING, got %v", got.NodeState["c"])
	}
}

func TestRequestStore_Load_UnknownReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)
	got, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown request, got %+v", got)
	}
}

func TestRequestStore_SetNodeState_EmitsStatusResponse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := pipeline.NewRequest("req-2", testPipeline())
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.SetNodeState(ctx, "req-2", "c", pipeline.StateRunning); err != nil {
		t.Fatalf("SetNodeState() error = %v", err)
	}

	state, err := store.NodeState(ctx, "req-2", "c")
	if err != nil {
		t.Fatalf("NodeState() error = %v", err)
	}
	if state != pipeline.StateRunning {
		t.Errorf("expected RUNNING, got %v", state)
	}

	resps, err := store.PopResponses(ctx, "req-2", 10, 0)
	if err != nil {
		t.Fatalf("PopResponses() error = %v", err)
	}
	if len(resps) != 1 || resps[0].Kind != pipeline.KindStatus || resps[0].State != pipeline.StateRunning {
		t.Errorf("expected one StatusResponse(RUNNING), got %+v", resps)
	}
}

func TestRequestStore_CancelledFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := pipeline.NewRequest("req-3", testPipeline())
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cancelled, err := store.IsCancelled(ctx, "req-3")
	if err != nil || cancelled {
		t.Fatalf("expected not cancelled yet, got %v, err %v", cancelled, err)
	}

	if err := store.SetCancelled(ctx, "req-3"); err != nil {
		t.Fatalf("SetCancelled() error = %v", err)
	}
	cancelled, err = store.IsCancelled(ctx, "req-3")
	if err != nil || !cancelled {
		t.Fatalf("expected cancelled, got %v, err %v", cancelled, err)
	}
}

func TestRequestStore_PopResponses_BlocksUntilWake(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	req := pipeline.NewRequest("req-4", testPipeline())
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	done := make(chan []pipeline.Response, 1)
	go func() {
		resps, err := store.PopResponses(ctx, "req-4", 10, 2*time.Second)
		if err != nil {
			t.Errorf("PopResponses() error = %v", err)
		}
		done <- resps
	}()

	time.Sleep(50 * time.Millisecond)
	if err := store.AppendResponse(ctx, pipeline.NewValueResponse("req-4", "c", 42)); err != nil {
		t.Fatalf("AppendResponse() error = %v", err)
	}

	select {
	case resps := <-done:
		if len(resps) != 1 || resps[0].Value.(float64) != 42 {
			t.Errorf("unexpected responses: %+v", resps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for PopResponses to wake")
	}
}
