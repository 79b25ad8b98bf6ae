package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/executor"
	"dfm/pkg/pipeline"
)

func newTestScheduler(t *testing.T) (*Scheduler, *broker.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := broker.NewFromRedisClient(rdb, time.Minute)
	t.Cleanup(func() { b.Close() })

	cfg := config.SchedulerConfig{PollInterval: 20 * time.Millisecond, ClaimTTL: time.Minute}
	return New(cfg, b, "sched-1"), b
}

func TestScheduler_PromotesDueItemToExecQueue(t *testing.T) {
	sched, b := newTestScheduler(t)
	ctx := context.Background()

	store := executor.NewRequestStore(b)
	req := pipeline.NewRequest("req-1", pipeline.Pipeline{Nodes: []pipeline.Node{
		{NodeID: "delayed", ApiClass: "dfm.api.constant.Constant", Params: map[string]any{"value": 1}},
	}})
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	item := executor.EncodeWorkItem("req-1", "delayed")
	if err := b.ScheduleAfter(ctx, executor.DelayedZSet, item, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go sched.Run(runCtx)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		popped, err := b.Dequeue(ctx, executor.ExecQueue, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if popped == item {
			state, err := store.NodeState(ctx, "req-1", "delayed")
			if err != nil {
				t.Fatalf("NodeState() error = %v", err)
			}
			if state != pipeline.StateReady {
				t.Errorf("expected node marked READY before promotion, got %v", state)
			}
			return
		}
	}
	t.Fatal("timed out waiting for the delayed item to reach exec:queue")
}

func TestScheduler_DoesNotPromoteItemNotYetDue(t *testing.T) {
	sched, b := newTestScheduler(t)
	ctx := context.Background()

	item := executor.EncodeWorkItem("req-2", "future")
	if err := b.ScheduleAfter(ctx, executor.DelayedZSet, item, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	sched.Run(runCtx)

	popped, err := b.Dequeue(ctx, executor.ExecQueue, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if popped != "" {
		t.Errorf("expected nothing promoted yet, got %q", popped)
	}
}
