// Package scheduler implements the delayed-queue poll loop described in
// spec.md §4.2: nodes with not_before set, or suspended by an adapter's
// ScheduleAfter, wait on sched:delayed until their wake time elapses, at
// which point the Scheduler moves them onto exec:queue for the Executor to
// pick up.
package scheduler

import (
	"context"
	"time"

	"dfm/pkg/broker"
	"dfm/pkg/config"
	"dfm/pkg/executor"
	"dfm/pkg/logger"
	"dfm/pkg/pipeline"
)

// Scheduler polls sched:delayed on a fixed interval and promotes due
// members to exec:queue.
type Scheduler struct {
	cfg     config.SchedulerConfig
	broker  *broker.Client
	store   *executor.RequestStore
	ownerID string
}

// New wires a Scheduler from its collaborators. ownerID identifies this
// process for the per-wakeup idempotency claim.
func New(cfg config.SchedulerConfig, b *broker.Client, ownerID string) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	return &Scheduler{cfg: cfg, broker: b, store: executor.NewRequestStore(b), ownerID: ownerID}
}

// Run blocks, polling sched:delayed every cfg.PollInterval until ctx is
// cancelled. A broker error backs off exponentially (capped at 30s) instead
// of hot-looping against an unavailable Redis.
func (s *Scheduler) Run(ctx context.Context) error {
	backoff := s.cfg.PollInterval
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		ready, err := s.broker.PopReady(ctx, executor.DelayedZSet, time.Now(), 100)
		if err != nil {
			logger.Warn("scheduler: poll error", "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = s.cfg.PollInterval

		for _, item := range ready {
			s.promote(ctx, item)
		}
	}
}

// promote idempotently moves one due work item from sched:delayed onto
// exec:queue, marking its node READY first so clients observe the
// transition before the Executor picks it up. The sched:claim:<item> claim
// guards against the same wakeup being promoted twice by two Scheduler
// replicas racing on an overlapping poll.
func (s *Scheduler) promote(ctx context.Context, item string) {
	requestID, nodeID, ok := executor.DecodeWorkItem(item)
	if !ok {
		logger.Warn("scheduler: malformed delayed item", "item", item)
		return
	}

	claimKey := "sched:claim:" + item
	won, err := s.broker.ClaimTTL(ctx, claimKey, s.ownerID, s.cfg.ClaimTTL)
	if err != nil {
		logger.Warn("scheduler: claim error", "item", item, "error", err)
		return
	}
	if !won {
		return
	}

	if err := s.store.SetNodeState(ctx, requestID, nodeID, pipeline.StateReady); err != nil {
		logger.Warn("scheduler: mark ready", "request_id", requestID, "node_id", nodeID, "error", err)
	}
	if err := s.broker.Enqueue(ctx, executor.ExecQueue, item); err != nil {
		logger.Error("scheduler: promote to exec queue", "request_id", requestID, "node_id", nodeID, "error", err)
	}
}
