// Package client is the HTTP/JSON client library for DFM's Process
// ingress, implementing the five operations in spec.md §4.5: version,
// discover, process, responses and cancel. It mirrors the teacher's
// pkg/client shape (a Config struct, a DefaultConfig constructor, a client
// type wrapping a transport with timeout/retry settings) with the
// transport itself swapped from a grpc.ClientConn to a plain *http.Client,
// since Process speaks HTTP/JSON rather than gRPC.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dfm/pkg/pipeline"
)

// Config configures a Client's connection to a Process instance.
type Config struct {
	Address      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns sane defaults for talking to a local Process.
func DefaultConfig() Config {
	return Config{
		Address:      "http://localhost:8080",
		Timeout:      30 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// Client is a thin HTTP/JSON wrapper over Process's ingress API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client from cfg, filling any zero-valued field from
// DefaultConfig.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version string `json:"version"`
	Site    string `json:"site"`
}

// Version calls GET /version.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var out VersionInfo
	err := c.doJSON(ctx, http.MethodGet, "/version", nil, &out)
	return out, err
}

// ProviderInfo describes one configured provider, as returned by discover.
type ProviderInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	APIs        []string `json:"apis"`
}

// DiscoverResult is the body of GET /discover.
type DiscoverResult struct {
	Providers []ProviderInfo `json:"providers"`
}

// Discover calls GET /discover.
func (c *Client) Discover(ctx context.Context) (DiscoverResult, error) {
	var out DiscoverResult
	err := c.doJSON(ctx, http.MethodGet, "/discover", nil, &out)
	return out, err
}

// Process submits p and returns the assigned request id.
func (c *Client) Process(ctx context.Context, p pipeline.Pipeline) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/process", p, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// Cancel requests that requestID's outstanding work stop.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.doJSON(ctx, http.MethodPost, "/cancel/"+requestID, nil, &out)
}

// ResponsesOptions narrows a responses() stream per spec.md §4.5.
type ResponsesOptions struct {
	// StopNodeIDs, if non-empty, ends the stream once every named node has
	// emitted a terminal StatusResponse. An empty set streams until the
	// caller cancels ctx.
	StopNodeIDs []string
	// ReturnStatuses includes StatusResponse envelopes in the stream when
	// true; they are always consulted internally to detect stop_node_ids
	// completion regardless of this flag.
	ReturnStatuses bool
	// ReturnHeartbeats includes HeartbeatResponse envelopes in the stream.
	ReturnHeartbeats bool
	// MaxPerPoll bounds how many responses a single long-poll call may
	// return; 0 uses Process's own default.
	MaxPerPoll int
	// PollTimeout bounds how long a single long-poll call may block
	// waiting for at least one response; 0 uses Process's own default.
	PollTimeout time.Duration
	// Sleep, if set, is called between two consecutive empty polls instead
	// of time.Sleep, letting tests and callers control pacing.
	Sleep func(time.Duration)
	// EmptyPollBackoff is the delay between empty polls; defaults to
	// RetryBackoff.
	EmptyPollBackoff time.Duration
}

// Responses streams Response envelopes for requestID by repeatedly
// long-polling GET /responses/{request_id} until every stop_node_id has
// reached a terminal StatusResponse, ctx is cancelled, or an error occurs.
// The returned channel is closed when the stream ends; a final non-nil
// error, if any, is sent as the last item's Err field.
func (c *Client) Responses(ctx context.Context, requestID string, opts ResponsesOptions) <-chan ResponseOrError {
	out := make(chan ResponseOrError)
	go c.streamResponses(ctx, requestID, opts, out)
	return out
}

// ResponseOrError is one item of a Responses stream.
type ResponseOrError struct {
	Response pipeline.Response
	Err      error
}

func (c *Client) streamResponses(ctx context.Context, requestID string, opts ResponsesOptions, out chan<- ResponseOrError) {
	defer close(out)

	backoff := opts.EmptyPollBackoff
	if backoff <= 0 {
		backoff = c.cfg.RetryBackoff
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(d time.Duration) { time.Sleep(d) }
	}

	stopRemaining := make(map[string]bool, len(opts.StopNodeIDs))
	for _, id := range opts.StopNodeIDs {
		stopRemaining[id] = true
	}

	for {
		if ctx.Err() != nil {
			return
		}

		path := fmt.Sprintf("/responses/%s", requestID)
		if opts.MaxPerPoll > 0 {
			path += fmt.Sprintf("?max=%d", opts.MaxPerPoll)
		}
		if opts.PollTimeout > 0 {
			sep := "?"
			if opts.MaxPerPoll > 0 {
				sep = "&"
			}
			path += fmt.Sprintf("%stimeout_ms=%d", sep, opts.PollTimeout.Milliseconds())
		}

		var page struct {
			Responses []pipeline.Response `json:"responses"`
		}
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
			select {
			case out <- ResponseOrError{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		if len(page.Responses) == 0 {
			done := make(chan struct{})
			go func() { sleep(backoff); close(done) }()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, r := range page.Responses {
			if r.Kind == pipeline.KindStatus && stopRemaining[r.NodeID] && r.State.IsTerminal() {
				delete(stopRemaining, r.NodeID)
			}
			if r.Kind == pipeline.KindStatus && !opts.ReturnStatuses {
				continue
			}
			if r.Kind == pipeline.KindHeartbeat && !opts.ReturnHeartbeats {
				continue
			}
			select {
			case out <- ResponseOrError{Response: r}:
			case <-ctx.Done():
				return
			}
		}

		if len(opts.StopNodeIDs) > 0 && len(stopRemaining) == 0 {
			return
		}
	}
}

// doJSON issues one HTTP request, making up to cfg.MaxRetries attempts in
// total for idempotent requests on connection failure with a linear backoff, in the
// manner of the teacher's grpc_retry interceptor chain.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request body: %w", err)
		}
		payload = b
	}

	idempotent := method == http.MethodGet
	attempts := 1
	if idempotent {
		attempts = c.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.Address+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("client: build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = readJSONResponse(resp, out)
		return lastErr
	}
	return fmt.Errorf("client: request failed after %d attempts: %w", attempts, lastErr)
}

func readJSONResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			ErrorKind string `json:"error_kind"`
			Message   string `json:"message"`
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, ErrorKind: apiErr.ErrorKind, Message: apiErr.Message}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response body: %w", err)
	}
	return nil
}

// APIError is returned when Process answers with a 4xx/5xx error body.
type APIError struct {
	StatusCode int
	ErrorKind  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dfm: %s (%s, status %d)", e.Message, e.ErrorKind, e.StatusCode)
}
