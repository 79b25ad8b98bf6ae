package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"dfm/pkg/broker"
	"dfm/pkg/cache"
	"dfm/pkg/config"
	"dfm/pkg/logger"
	"dfm/pkg/pipeline"
	"dfm/pkg/provider"
	"dfm/pkg/registry"
)

// ExecQueue and DelayedZSet are the normative queue/zset names shared by
// Process (initial seeding), the Scheduler (delayed wakeups), and the
// Executor (the worker pool defined here).
const (
	ExecQueue   = "exec:queue"
	DelayedZSet = "sched:delayed"
)

// workItemSep separates request_id from node_id in a queue member. node_id
// and request_id are both server-generated identifiers that never contain
// this byte.
const workItemSep = "\x1f"

// EncodeWorkItem packs a (request_id, node_id) pair into a single queue
// member string.
func EncodeWorkItem(requestID, nodeID string) string {
	return requestID + workItemSep + nodeID
}

// DecodeWorkItem reverses EncodeWorkItem.
func DecodeWorkItem(item string) (requestID, nodeID string, ok bool) {
	i := strings.Index(item, workItemSep)
	if i < 0 {
		return "", "", false
	}
	return item[:i], item[i+1:], true
}

// Pool is the Executor service's worker pool: cfg.Workers goroutines each
// pulling (request_id, node_id) pairs off exec:queue and running the
// 8-step per-node loop in node.go.
type Pool struct {
	cfg       config.ExecutorConfig
	broker    *broker.Client
	cache     *cache.FingerprintCache
	store     *RequestStore
	dispatch  *provider.Dispatch
	reg       *registry.Registry
	heartbeat *HeartbeatManager
	breakers  *BreakerRegistry
	ownerID   string
}

// NewPool wires a worker pool from its collaborators. ownerID identifies
// this process for builder-lock and heartbeat-claim ownership, and should
// be stable for the process lifetime (e.g. hostname:pid).
func NewPool(cfg config.ExecutorConfig, b *broker.Client, fc *cache.FingerprintCache, dispatch *provider.Dispatch, reg *registry.Registry, ownerID string) *Pool {
	store := NewRequestStore(b)
	return &Pool{
		cfg:       cfg,
		broker:    b,
		cache:     fc,
		store:     store,
		dispatch:  dispatch,
		reg:       reg,
		heartbeat: NewHeartbeatManager(store, b, cfg.HeartbeatInterval),
		breakers:  NewBreakerRegistry(cfg.CircuitBreakerWindow),
		ownerID:   ownerID,
	}
}

// Run starts cfg.Workers worker goroutines and blocks until ctx is
// cancelled, at which point it waits for in-flight nodes to finish their
// current step before returning.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := p.broker.Dequeue(ctx, ExecQueue, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("executor: dequeue error", "worker", workerID, "error", err)
			continue
		}
		if item == "" {
			continue
		}
		requestID, nodeID, ok := DecodeWorkItem(item)
		if !ok {
			logger.Warn("executor: malformed queue item", "item", item)
			continue
		}
		p.processNode(ctx, requestID, nodeID)
	}
}

// Seed enqueues every node with no inputs and no after-edges: the pipeline's
// initial ready set. Process calls this once, right after persisting a
// freshly verified and optimized Request. Each seeded node is marked READY
// (emitting the StatusResponse) before it is enqueued, so a client polling
// the response stream observes READY ahead of RUNNING per spec.md §8.
func Seed(ctx context.Context, b *broker.Client, req *pipeline.Request) error {
	store := NewRequestStore(b)
	for _, n := range req.Pipeline.Nodes {
		if len(n.Inputs) != 0 || len(n.After) != 0 {
			continue
		}
		if err := enqueueNode(ctx, b, store, req.RequestID, n); err != nil {
			return err
		}
	}
	return nil
}

// enqueueNode places n onto exec:queue, or onto sched:delayed if its
// NotBefore has not yet elapsed. An immediately-enqueued node is marked
// READY first, mirroring Scheduler.promote's handling of a delayed node
// that comes due: the client sees the READY transition before the
// Executor's worker pool ever picks the node up.
func enqueueNode(ctx context.Context, b *broker.Client, store *RequestStore, requestID string, n pipeline.Node) error {
	item := EncodeWorkItem(requestID, n.NodeID)
	if n.NotBefore != nil && n.NotBefore.After(time.Now()) {
		return b.ScheduleAfter(ctx, DelayedZSet, item, *n.NotBefore)
	}
	if err := store.SetNodeState(ctx, requestID, n.NodeID, pipeline.StateReady); err != nil {
		logger.Warn("executor: mark ready", "request_id", requestID, "node_id", n.NodeID, "error", err)
	}
	return b.Enqueue(ctx, ExecQueue, item)
}
