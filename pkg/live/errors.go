package live

import (
	"errors"
	"fmt"
)

// Sentinel errors for the live package.
var (
	// ErrSessionClosed indicates the session is closing or closed.
	ErrSessionClosed = errors.New("live: session closed")

	// ErrBackpressure indicates the outbound wire buffer is full.
	// It is transient; the caller may retry.
	ErrBackpressure = errors.New("live: send buffer full")

	// ErrMissingCredentials indicates neither an API key nor a token source was given.
	ErrMissingCredentials = errors.New("live: credentials are required")

	// ErrUnsupportedAudio indicates a frame the wire cannot carry.
	ErrUnsupportedAudio = errors.New("live: unsupported audio format")
)

// StateError reports an operation attempted in the wrong session state.
type StateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("live: cannot %s while %s", e.Op, e.State)
}

// ConnectionError represents a connection-related failure.
type ConnectionError struct {
	// Reason describes what failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnecting may succeed.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("live: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("live: connection error: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether reconnecting may succeed.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// ServiceError is an error message reported by the service in-band.
type ServiceError struct {
	Code    int
	Status  string
	Message string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("live: service error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("live: service error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the error ends the session. Server-side
// overload and rate limits are transient.
func (e *ServiceError) Fatal() bool {
	switch e.Code {
	case 429, 500, 503, 504:
		return false
	}
	switch e.Status {
	case "RESOURCE_EXHAUSTED", "UNAVAILABLE", "DEADLINE_EXCEEDED", "INTERNAL":
		return false
	}
	return true
}

// IsRetryable checks if an error indicates reconnecting may help.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Retryable
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return !svcErr.Fatal()
	}
	return errors.Is(err, ErrBackpressure)
}

// IsStateError reports whether err is a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
