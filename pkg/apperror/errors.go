// Package apperror provides the structured error taxonomy shared by every
// DFM service: a closed set of error Kinds, an Error type that carries a
// kind, a message, optional node/request context, and a retryability flag,
// and helpers for mapping a Kind to an HTTP status code at the Process
// ingress boundary.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the terminal or transient error kinds named in the error
// taxonomy. Kinds are not Go types: adding one means adding a constant plus
// its entries in httpStatus and retryable below.
type Kind string

const (
	// BadPipeline is returned synchronously from process() when a submitted
	// pipeline fails verification (cycle, dangling edge, unknown api_class,
	// schema mismatch, arity mismatch).
	BadPipeline Kind = "BAD_PIPELINE"
	// NoSuchRequest is returned when polling or cancelling an unknown
	// request id.
	NoSuchRequest Kind = "NO_SUCH_REQUEST"
	// AdapterBadInput is raised by an adapter when it deems its resolved
	// params invalid at run time. Never retried.
	AdapterBadInput Kind = "ADAPTER_BAD_INPUT"
	// UpstreamUnavailable is raised when an external data/inference service
	// is unreachable. Retried with backoff up to a configured budget, then
	// terminal.
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	// Internal covers broker or cache failures surviving their retry
	// budget, and any other unexpected failure.
	Internal Kind = "INTERNAL"
	// Cancelled covers explicit cancellation, request timeout, or
	// cascading failure from a dependency.
	Cancelled Kind = "CANCELLED"
)

// httpStatus maps each Kind to the HTTP status Process reports when one of
// its synchronous calls (/process, /responses, /cancel) fails; it is
// irrelevant for kinds that only ever appear inside an asynchronous
// ErrorResponse.
var httpStatus = map[Kind]int{
	BadPipeline:         http.StatusBadRequest,
	NoSuchRequest:       http.StatusNotFound,
	AdapterBadInput:     http.StatusBadRequest,
	UpstreamUnavailable: http.StatusBadGateway,
	Internal:            http.StatusInternalServerError,
	Cancelled:           http.StatusGone,
}

// retryable marks which kinds a caller may retry after backoff. Only
// transient kinds are retryable; a node that exhausts its retry budget is
// reported under the same Kind but the Executor stops retrying.
var retryable = map[Kind]bool{
	UpstreamUnavailable: true,
	Internal:            true,
}

// Error is the application error type produced by every DFM package.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	NodeID    string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps cause with additional context.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithNode attaches request/node context and returns the same error for
// chaining at the call site.
func (e *Error) WithNode(requestID, nodeID string) *Error {
	e.RequestID = requestID
	e.NodeID = nodeID
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for errors that
// did not originate in this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// HTTPStatus returns the HTTP status code Process should report for err.
func HTTPStatus(err error) int {
	if status, ok := httpStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the Executor's retry/backoff loop should retry
// an operation that failed with err.
func Retryable(err error) bool {
	return retryable[KindOf(err)]
}
