package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromRedisClient(rdb, 2*time.Second), mr
}

func TestEnqueueDequeue(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Enqueue(ctx, "exec:queue", "node-1"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := c.Dequeue(ctx, "exec:queue", time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != "node-1" {
		t.Errorf("expected node-1, got %q", got)
	}
}

func TestDequeueTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	got, err := c.Dequeue(context.Background(), "exec:queue", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != "" {
		t.Errorf("expected empty result on timeout, got %q", got)
	}
}

func TestScheduleAfterAndPopReady(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	if err := c.ScheduleAfter(ctx, "sched:delayed", "node-ready", past); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	if err := c.ScheduleAfter(ctx, "sched:delayed", "node-not-ready", future); err != nil {
		t.Fatalf("ScheduleAfter() error = %v", err)
	}
	_ = mr

	ready, err := c.PopReady(ctx, "sched:delayed", time.Now(), 10)
	if err != nil {
		t.Fatalf("PopReady() error = %v", err)
	}
	if len(ready) != 1 || ready[0] != "node-ready" {
		t.Errorf("expected [node-ready], got %v", ready)
	}

	// A second call should find nothing more ready.
	ready, err = c.PopReady(ctx, "sched:delayed", time.Now(), 10)
	if err != nil {
		t.Fatalf("PopReady() error = %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("expected no further ready members, got %v", ready)
	}
}

func TestHashOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.HashSet(ctx, "request:r1", "status", "RUNNING"); err != nil {
		t.Fatalf("HashSet() error = %v", err)
	}

	v, ok, err := c.HashGet(ctx, "request:r1", "status")
	if err != nil {
		t.Fatalf("HashGet() error = %v", err)
	}
	if !ok || v != "RUNNING" {
		t.Errorf("expected RUNNING, got %q (ok=%v)", v, ok)
	}

	_, ok, err = c.HashGet(ctx, "request:r1", "missing")
	if err != nil {
		t.Fatalf("HashGet() error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing field")
	}

	all, err := c.HashGetAll(ctx, "request:r1")
	if err != nil {
		t.Fatalf("HashGetAll() error = %v", err)
	}
	if all["status"] != "RUNNING" {
		t.Errorf("expected status=RUNNING in hash, got %v", all)
	}
}

func TestListOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := "response:r1"

	if err := c.ListAppend(ctx, key, []byte("value-0")); err != nil {
		t.Fatalf("ListAppend() error = %v", err)
	}
	if err := c.ListAppend(ctx, key, []byte("value-1")); err != nil {
		t.Fatalf("ListAppend() error = %v", err)
	}

	vals, err := c.ListRange(ctx, key, 0, -1)
	if err != nil {
		t.Fatalf("ListRange() error = %v", err)
	}
	if len(vals) != 2 || string(vals[0]) != "value-0" || string(vals[1]) != "value-1" {
		t.Errorf("unexpected list contents: %v", vals)
	}

	n, err := c.ListLen(ctx, key)
	if err != nil {
		t.Fatalf("ListLen() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}
}

func TestClaimRenewRelease(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := "cache:lock:fp-1"

	ok, err := c.Claim(ctx, key, "owner-a")
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = c.Claim(ctx, key, "owner-b")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if ok {
		t.Error("expected second claim by a different owner to fail")
	}

	if err := c.Renew(ctx, key, "owner-b", time.Second); err != ErrNotClaimed {
		t.Errorf("expected ErrNotClaimed for renew by non-owner, got %v", err)
	}

	if err := c.Renew(ctx, key, "owner-a", time.Second); err != nil {
		t.Errorf("Renew() error = %v", err)
	}

	if err := c.Release(ctx, key, "owner-b"); err != ErrNotClaimed {
		t.Errorf("expected ErrNotClaimed for release by non-owner, got %v", err)
	}

	if err := c.Release(ctx, key, "owner-a"); err != nil {
		t.Errorf("Release() error = %v", err)
	}

	ok, err = c.Claim(ctx, key, "owner-c")
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed after release, got ok=%v err=%v", ok, err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, "cache:sealed:fp-1")
	defer sub.Close()

	// Wait for subscription to register before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe confirmation error: %v", err)
	}

	if err := c.Publish(ctx, "cache:sealed:fp-1", "sealed"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "sealed" {
			t.Errorf("expected payload 'sealed', got %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestExistsExpireDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.HashSet(ctx, "k1", "f", "v"); err != nil {
		t.Fatalf("HashSet() error = %v", err)
	}

	exists, err := c.Exists(ctx, "k1")
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got exists=%v err=%v", exists, err)
	}

	if err := c.Expire(ctx, "k1", time.Minute); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	exists, err = c.Exists(ctx, "k1")
	if err != nil || exists {
		t.Fatalf("expected key to be gone, got exists=%v err=%v", exists, err)
	}
}
