package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/live"
	"github.com/teslashibe/reachy-companion/pkg/queue"
)

// Sentinel errors for the conversation package.
var (
	// ErrSessionExpired indicates the live session reached its time limit
	// and reconnecting is disabled.
	ErrSessionExpired = errors.New("conversation: session expired")

	// ErrStopTimeout indicates tasks did not exit within the stop bound.
	ErrStopTimeout = errors.New("conversation: tasks did not stop in time")

	// ErrTooManyDeviceErrors indicates a device kept failing.
	ErrTooManyDeviceErrors = errors.New("conversation: too many consecutive device errors")
)

// AlreadyRunningError is returned by Start while a conversation is running.
type AlreadyRunningError struct {
	Since time.Time
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("conversation: already running since %s", e.Since.Format(time.RFC3339))
}

// NetworkError wraps a failure talking to the live service.
type NetworkError struct {
	// Op is the operation that failed, such as "send".
	Op string

	// Cause is the underlying error.
	Cause error

	// Fatal is set when the session cannot be used any more.
	Fatal bool
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("conversation: %s network error during %s: %v", kind, e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Error checking helpers.

// IsFatal reports whether err must end the conversation (or, with
// reconnect enabled, the current session). Device hiccups, malformed
// frames, backpressure and retryable service errors are transient.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrTimeout) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Fatal
	}
	var devErr *audioio.DeviceError
	if errors.As(err, &devErr) || errors.Is(err, audioio.ErrDeviceClosed) {
		return audioio.IsFatalDevice(err)
	}
	if audioio.IsFormatError(err) || errors.Is(err, audioio.ErrNoData) {
		return false
	}
	if errors.Is(err, live.ErrBackpressure) {
		return false
	}
	var svcErr *live.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Fatal()
	}
	return true
}

// IsAlreadyRunning reports whether err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var are *AlreadyRunningError
	return errors.As(err, &are)
}
