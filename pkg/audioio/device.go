package audioio

import "context"

// Input is a poll-based audio capture device.
type Input interface {
	// Start begins capture. Starting a running device is a no-op.
	Start(ctx context.Context) error

	// Stop halts capture. It is safe to call Stop multiple times.
	Stop() error

	// Read returns the next captured frame. It returns ErrNoData when
	// nothing arrives before ctx expires and ErrDeviceClosed once the
	// device has been stopped.
	Read(ctx context.Context) (Frame, error)

	// Format returns the native format of captured frames.
	Format() Format

	// Name returns the backend name.
	Name() string
}

// Output is a push-based audio playback device.
type Output interface {
	// Start prepares playback. Starting a running device is a no-op.
	Start(ctx context.Context) error

	// Stop halts playback. It is safe to call Stop multiple times.
	Stop() error

	// Write plays f. Cancelling ctx aborts the frame mid-emission.
	Write(ctx context.Context, f Frame) error

	// Format returns the native format expected by Write.
	Format() Format

	// Name returns the backend name.
	Name() string
}

// Aborter is implemented by outputs that can drop audio they have
// already accepted but not yet emitted.
type Aborter interface {
	Abort()
}
