// Package fault defines the stable error taxonomy shared by every
// execution component. Errors cross component and process boundaries
// as envelopes; the kind set is closed and versioned by the protocol
// constant.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an execution failure. The set is closed: hosts and
// workers must treat unknown kinds as UNKNOWN_ERROR.
type Kind string

const (
	// KindTimeout indicates the effective execution deadline expired.
	KindTimeout Kind = "TIMEOUT"
	// KindAborted indicates the caller canceled the execution.
	KindAborted Kind = "ABORTED"
	// KindPermissionDenied indicates a sandbox or capability rejection.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindHandlerError indicates the handler itself failed.
	KindHandlerError Kind = "HANDLER_ERROR"
	// KindHandlerContract indicates the handler does not satisfy the
	// execute contract (wrong shape, nil registration).
	KindHandlerContract Kind = "HANDLER_CONTRACT_ERROR"
	// KindHandlerNotFound indicates the handler reference resolved to nothing.
	KindHandlerNotFound Kind = "HANDLER_NOT_FOUND"
	// KindWorkspace indicates workspace lease or release failure.
	KindWorkspace Kind = "WORKSPACE_ERROR"
	// KindValidation indicates input or output schema validation failure.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindQueueFull indicates pool admission rejected the request.
	KindQueueFull Kind = "QUEUE_FULL"
	// KindAcquireTimeout indicates no worker became available in time.
	KindAcquireTimeout Kind = "ACQUIRE_TIMEOUT"
	// KindWorkerCrashed indicates the worker process died mid-flight.
	KindWorkerCrashed Kind = "WORKER_CRASHED"
	// KindWorkerUnhealthy indicates the worker failed a health probe.
	KindWorkerUnhealthy Kind = "WORKER_UNHEALTHY"
	// KindUnknown indicates a failure outside the taxonomy.
	KindUnknown Kind = "UNKNOWN_ERROR"

	// KindDepthExceeded indicates an invoke chain grew past its depth budget.
	KindDepthExceeded Kind = "DEPTH_EXCEEDED"
	// KindHopsExceeded indicates an invoke chain used up its hop budget.
	KindHopsExceeded Kind = "HOPS_EXCEEDED"
	// KindSubmitDegraded indicates job submission was rejected by the
	// degradation controller.
	KindSubmitDegraded Kind = "JOB_SUBMIT_REJECTED_DEGRADED"
)

// httpStatus is the canonical HTTP mapping used by host adapters.
var httpStatus = map[Kind]int{
	KindTimeout:          http.StatusGatewayTimeout,
	KindAborted:          499, // client closed request
	KindPermissionDenied: http.StatusForbidden,
	KindHandlerError:     http.StatusInternalServerError,
	KindHandlerContract:  http.StatusInternalServerError,
	KindHandlerNotFound:  http.StatusNotFound,
	KindWorkspace:        http.StatusInternalServerError,
	KindValidation:       http.StatusBadRequest,
	KindQueueFull:        http.StatusTooManyRequests,
	KindAcquireTimeout:   http.StatusServiceUnavailable,
	KindWorkerCrashed:    http.StatusInternalServerError,
	KindWorkerUnhealthy:  http.StatusServiceUnavailable,
	KindUnknown:          http.StatusInternalServerError,
	KindDepthExceeded:    http.StatusTooManyRequests,
	KindHopsExceeded:     http.StatusTooManyRequests,
	KindSubmitDegraded:   http.StatusServiceUnavailable,
}

// HTTPStatus returns the canonical HTTP status for the kind.
// Unknown kinds map to 500.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool {
	_, ok := httpStatus[k]
	return ok
}

// Error is the in-process representation of a classified failure.
// It wraps an optional cause and carries structured context that
// survives envelope serialization.
type Error struct {
	Kind    Kind
	Message string
	// Details holds kind-specific payload (e.g. validation issues).
	Details any
	// Context carries correlation fields (pluginId, requestId, ...).
	Context map[string]any

	cause error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is reachable via
// errors.Unwrap / errors.Is.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches kind-specific details and returns e.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithContext attaches a correlation field and returns e.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind from err, unwrapping as needed.
// Returns empty string when err carries no recognized kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is a TIMEOUT fault.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsAborted reports whether err is an ABORTED fault.
func IsAborted(err error) bool { return IsKind(err, KindAborted) }

// IsPermissionDenied reports whether err is a PERMISSION_DENIED fault.
func IsPermissionDenied(err error) bool { return IsKind(err, KindPermissionDenied) }

// IsQueueFull reports whether err is a QUEUE_FULL fault.
func IsQueueFull(err error) bool { return IsKind(err, KindQueueFull) }

// IsAcquireTimeout reports whether err is an ACQUIRE_TIMEOUT fault.
func IsAcquireTimeout(err error) bool { return IsKind(err, KindAcquireTimeout) }

// IsWorkerCrashed reports whether err is a WORKER_CRASHED fault.
func IsWorkerCrashed(err error) bool { return IsKind(err, KindWorkerCrashed) }

// Normalize maps an arbitrary error into the taxonomy.
// Recognized kinds pass through unchanged. Context cancellation and
// deadline expiry map to ABORTED and TIMEOUT. Everything else becomes
// HANDLER_ERROR.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "execution deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindAborted, "execution canceled", err)
	}
	return Wrap(KindHandlerError, err.Error(), err)
}

// FromPanic maps a recovered panic value into the taxonomy.
// Error values are normalized; anything else becomes UNKNOWN_ERROR.
func FromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return Normalize(err)
	}
	return Errorf(KindUnknown, "panic: %v", v)
}
