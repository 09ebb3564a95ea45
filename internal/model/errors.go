package model

import (
	"errors"
	"fmt"
)

// Error kinds. A *ProxyError matches its kind with errors.Is.
var (
	ErrInvalidUpstreamURI = errors.New("invalid upstream URI")
	ErrTransport          = errors.New("upstream transport failure")
	ErrHeaderEncoding     = errors.New("header encoding failure")
	ErrTenantLookup       = errors.New("tenant lookup failure")
	ErrNotFound           = errors.New("no route matched")
	ErrUnexpectedFault    = errors.New("unexpected fault")
)

// ProxyError carries the kind of a routing or forwarding failure together
// with its underlying cause.
type ProxyError struct {
	Kind    error  // one of the Err* kinds above
	Op      string // operation that failed
	Target  string // upstream URI or request path, when known
	Message string
	Cause   error
}

// NewProxyError creates a ProxyError.
func NewProxyError(kind error, op, target, message string, cause error) *ProxyError {
	return &ProxyError{
		Kind:    kind,
		Op:      op,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Kind, e.Op)
	if e.Target != "" {
		msg += " target=" + e.Target
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is this error's kind.
func (e *ProxyError) Is(target error) bool {
	return target == e.Kind
}

// ClientCaused reports whether err is attributable to the client rather than
// to the proxy or its upstreams.
func ClientCaused(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// KindOf returns a short label for the kind of err, suitable for logs and metrics.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidUpstreamURI):
		return "invalid_upstream_uri"
	case errors.Is(err, ErrHeaderEncoding):
		return "header_encoding"
	case errors.Is(err, ErrTenantLookup):
		return "tenant_lookup"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unexpected_fault"
	}
}
