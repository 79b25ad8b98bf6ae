package executor

import (
	"context"
	"time"

	"dfm/pkg/broker"
	"dfm/pkg/pipeline"
)

// HeartbeatManager runs one background producer per request (not per
// node, to bound response-queue pressure per spec.md §9) that writes a
// HeartbeatResponse on a fixed interval while any node is RUNNING or
// READY, and stops once every node is terminal.
type HeartbeatManager struct {
	store    *RequestStore
	broker   *broker.Client
	interval time.Duration
}

// NewHeartbeatManager constructs a manager; interval is the spacing
// between heartbeats (spec example: 5s).
func NewHeartbeatManager(store *RequestStore, b *broker.Client, interval time.Duration) *HeartbeatManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HeartbeatManager{store: store, broker: b, interval: interval}
}

// EnsureStarted claims ownership of request_id's heartbeat producer and,
// if this caller won the claim, starts it in a new goroutine. Losing the
// claim is not an error: another worker already owns it. The claim TTL is
// refreshed by the running loop so it survives for the request's
// lifetime without a second producer taking over mid-flight.
func (m *HeartbeatManager) EnsureStarted(ctx context.Context, requestID, ownerID string) {
	key := "heartbeat:owner:" + requestID
	won, err := m.broker.ClaimTTL(ctx, key, ownerID, m.interval*3)
	if err != nil || !won {
		return
	}
	go m.run(ctx, requestID, ownerID, key)
}

func (m *HeartbeatManager) run(ctx context.Context, requestID, ownerID, claimKey string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := m.store.Load(ctx, requestID)
			if err != nil || req == nil {
				return
			}
			if allTerminal(req) {
				return
			}
			_ = m.broker.Renew(ctx, claimKey, ownerID, m.interval*3)
			active := false
			for _, n := range req.Pipeline.Nodes {
				if s := req.NodeState[n.NodeID]; s == pipeline.StateRunning || s == pipeline.StateReady {
					active = true
					break
				}
			}
			if active {
				_ = m.store.AppendResponse(ctx, pipeline.NewHeartbeatResponse(requestID))
			}
		}
	}
}

func allTerminal(req *pipeline.Request) bool {
	for _, n := range req.Pipeline.Nodes {
		if !req.NodeState[n.NodeID].IsTerminal() {
			return false
		}
	}
	return true
}
