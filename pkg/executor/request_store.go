// Package executor hosts the Executor service's worker pool: the 8-step
// node execution loop, adapter dispatch, streaming input plumbing,
// delayed follow-up, heartbeats, and the retry/circuit-breaker failure
// semantics described in spec.md §4.3.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dfm/pkg/broker"
	"dfm/pkg/pipeline"
)

const (
	fieldPipeline  = "pipeline"
	fieldCreatedAt = "created_at"
	fieldCancelled = "cancelled"
	prefixState    = "state:"
	prefixFP       = "fp:"
)

// RequestStore persists Request records into the broker's request:<id>
// hash, per the normative keyspace (pipeline, node_state, timestamps all
// in one hash). node_state and fingerprints are kept as individually
// addressable fields rather than one encoded blob so concurrent workers
// can update a single node's state without racing on the whole record.
type RequestStore struct {
	broker *broker.Client
}

// NewRequestStore wraps a broker client.
func NewRequestStore(b *broker.Client) *RequestStore {
	return &RequestStore{broker: b}
}

func requestKey(requestID string) string { return "request:" + requestID }

// Save persists a freshly verified/optimized Request for the first time.
func (s *RequestStore) Save(ctx context.Context, req *pipeline.Request) error {
	pjson, err := json.Marshal(req.Pipeline)
	if err != nil {
		return fmt.Errorf("executor: encode pipeline: %w", err)
	}
	key := requestKey(req.RequestID)
	if err := s.broker.HashSet(ctx, key, fieldPipeline, pjson); err != nil {
		return err
	}
	if err := s.broker.HashSet(ctx, key, fieldCreatedAt, req.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	for nodeID, state := range req.NodeState {
		if err := s.broker.HashSet(ctx, key, prefixState+nodeID, string(state)); err != nil {
			return err
		}
	}
	return nil
}

// Load reconstructs a Request record from the broker, or (nil, nil) if
// request_id is unknown.
func (s *RequestStore) Load(ctx context.Context, requestID string) (*pipeline.Request, error) {
	fields, err := s.broker.HashGetAll(ctx, requestKey(requestID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var p pipeline.Pipeline
	if raw, ok := fields[fieldPipeline]; ok {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("executor: decode pipeline: %w", err)
		}
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])

	req := &pipeline.Request{
		RequestID:    requestID,
		Pipeline:     p,
		NodeState:    make(map[string]pipeline.NodeState),
		Fingerprints: make(map[string]string),
		CreatedAt:    createdAt,
		Cancelled:    fields[fieldCancelled] == "1",
	}
	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, prefixState):
			req.NodeState[strings.TrimPrefix(field, prefixState)] = pipeline.NodeState(value)
		case strings.HasPrefix(field, prefixFP):
			req.Fingerprints[strings.TrimPrefix(field, prefixFP)] = value
		}
	}
	return req, nil
}

// SetNodeState atomically updates one node's state field and emits a
// StatusResponse, keeping the two in lock-step.
func (s *RequestStore) SetNodeState(ctx context.Context, requestID, nodeID string, state pipeline.NodeState) error {
	if err := s.broker.HashSet(ctx, requestKey(requestID), prefixState+nodeID, string(state)); err != nil {
		return err
	}
	return s.AppendResponse(ctx, pipeline.NewStatusResponse(requestID, nodeID, state))
}

// NodeState reads a single node's current state.
func (s *RequestStore) NodeState(ctx context.Context, requestID, nodeID string) (pipeline.NodeState, error) {
	v, _, err := s.broker.HashGet(ctx, requestKey(requestID), prefixState+nodeID)
	return pipeline.NodeState(v), err
}

// SetFingerprint records a node's lazily computed fingerprint.
func (s *RequestStore) SetFingerprint(ctx context.Context, requestID, nodeID, fp string) error {
	return s.broker.HashSet(ctx, requestKey(requestID), prefixFP+nodeID, fp)
}

// SetCancelled marks the whole request cancelled; workers observe this at
// each await point per spec.md §5.
func (s *RequestStore) SetCancelled(ctx context.Context, requestID string) error {
	return s.broker.HashSet(ctx, requestKey(requestID), fieldCancelled, "1")
}

// IsCancelled reports whether cancel(request_id) has been called.
func (s *RequestStore) IsCancelled(ctx context.Context, requestID string) (bool, error) {
	v, ok, err := s.broker.HashGet(ctx, requestKey(requestID), fieldCancelled)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// Exists reports whether request_id has ever been saved, for Process's
// NO_SUCH_REQUEST check.
func (s *RequestStore) Exists(ctx context.Context, requestID string) (bool, error) {
	return s.broker.Exists(ctx, requestKey(requestID))
}

// Delete retires a request's hash record entirely. Response and input
// lists are not removed, and nothing sets an expiry on them.
func (s *RequestStore) Delete(ctx context.Context, requestID string) error {
	return s.broker.HashDel(ctx, requestKey(requestID))
}

// AppendResponse writes resp to the request's response queue and wakes
// anyone long-polling responses().
func (s *RequestStore) AppendResponse(ctx context.Context, resp pipeline.Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	key := "response:" + resp.RequestID
	if err := s.broker.ListAppend(ctx, key, encoded); err != nil {
		return err
	}
	return s.broker.Publish(ctx, key+":wake", "1")
}

// PopResponses drains up to maxN responses from request_id's queue,
// blocking up to timeout if it is currently empty.
func (s *RequestStore) PopResponses(ctx context.Context, requestID string, maxN int64, timeout time.Duration) ([]pipeline.Response, error) {
	key := "response:" + requestID
	raw, err := s.broker.ListPopN(ctx, key, maxN)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && timeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		sub := s.broker.Subscribe(waitCtx, key+":wake")
		defer sub.Close()
		select {
		case <-sub.Channel():
		case <-waitCtx.Done():
		}
		raw, err = s.broker.ListPopN(ctx, key, maxN)
		if err != nil {
			return nil, err
		}
	}

	out := make([]pipeline.Response, 0, len(raw))
	for _, r := range raw {
		var resp pipeline.Response
		if err := json.Unmarshal(r, &resp); err != nil {
			return nil, fmt.Errorf("executor: decode response: %w", err)
		}
		out = append(out, resp)
	}
	return out, nil
}
