package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures crossing the gateway's boundaries.
type ErrorKind string

const (
	// KindTransport is a socket-level failure. The connection is torn down.
	KindTransport ErrorKind = "transport_error"
	// KindAuthRejected means the backend denied the device or credentials were missing.
	KindAuthRejected ErrorKind = "auth_rejected"
	// KindBackendUnreachable is a network or HTTP failure talking to the backend.
	KindBackendUnreachable ErrorKind = "backend_unreachable"
	// KindMalformedResponse is a backend reply that is not JSON or lacks expected fields.
	KindMalformedResponse ErrorKind = "malformed_response"
)

// Error represents a domain error with an associated kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new domain error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthRejectedError creates an AuthRejected error.
func NewAuthRejectedError(message string, cause error) *Error {
	return NewError(KindAuthRejected, message, cause)
}

// NewBackendUnreachableError creates a BackendUnreachable error.
func NewBackendUnreachableError(message string, cause error) *Error {
	return NewError(KindBackendUnreachable, message, cause)
}

// NewMalformedResponseError creates a MalformedResponse error.
func NewMalformedResponseError(message string, cause error) *Error {
	return NewError(KindMalformedResponse, message, cause)
}

// NewTransportError creates a TransportError.
func NewTransportError(message string, cause error) *Error {
	return NewError(KindTransport, message, cause)
}

// KindOf returns the kind of the first domain error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind, true
	}
	return "", false
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsAuthRejected checks if an error is an authentication rejection.
func IsAuthRejected(err error) bool {
	return IsKind(err, KindAuthRejected)
}

// IsRetryable reports whether a backend call that failed with err may be retried.
func IsRetryable(err error) bool {
	return IsKind(err, KindBackendUnreachable) || IsKind(err, KindMalformedResponse)
}
