package audioio

import (
	"errors"
	"fmt"
)

// Sentinel errors for the audioio package.
var (
	// ErrNoData indicates no frame arrived before the read deadline.
	ErrNoData = errors.New("audioio: no data available")

	// ErrDeviceClosed indicates the device was stopped or closed.
	ErrDeviceClosed = errors.New("audioio: device closed")

	// ErrNotStarted indicates an operation on a device that was never started.
	ErrNotStarted = errors.New("audioio: device not started")

	// ErrUnsupportedBackend indicates an unknown backend name.
	ErrUnsupportedBackend = errors.New("audioio: unsupported backend")
)

// FormatError reports a malformed frame or byte stream.
type FormatError struct {
	Reason string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return "audioio: malformed audio: " + e.Reason
}

// DeviceError wraps a failure reported by an audio device.
type DeviceError struct {
	// Device is the backend name.
	Device string

	// Op is the operation that failed (read, write, start).
	Op string

	// Cause is the underlying error.
	Cause error

	// Fatal marks failures the device cannot recover from.
	Fatal bool
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audioio: %s %s: %v", e.Device, e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// IsFormatError reports whether err is a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsFatalDevice reports whether err is a device failure that will not recover.
func IsFatalDevice(err error) bool {
	if errors.Is(err, ErrDeviceClosed) {
		return true
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Fatal
	}
	return false
}
