package delivery

import (
	"errors"
	"fmt"
)

var ErrEndpointNotConfigured = errors.New("owner endpoint not configured")

// Error kinds reported on TransportError and in outcome events.
const (
	KindConfig   = "config"
	KindTimeout  = "timeout"
	KindNetwork  = "network"
	KindCanceled = "canceled"
	KindEncode   = "encode"
	KindRejected = "rejected"
	KindPanic    = "panic"
)

// TransportError is a failure to get any HTTP response. Always retryable.
type TransportError struct {
	Kind string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery transport (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a non-2xx response. Client and server errors are treated alike.
type RejectedError struct {
	StatusCode int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delivery rejected with status %d", e.StatusCode)
}

// ErrorKind classifies err for logs and metrics.
func ErrorKind(err error) string {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	var rejectedErr *RejectedError
	if errors.As(err, &rejectedErr) {
		return KindRejected
	}
	if err == nil {
		return ""
	}
	return "unknown"
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var rejectedErr *RejectedError
	if errors.As(err, &rejectedErr) {
		return rejectedErr.StatusCode
	}
	return 0
}
