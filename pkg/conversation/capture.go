package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
)

// capture polls the input device, converts each frame to the wire
// format and queues it for transmission. A full queue drops its oldest
// frame.
func (r *run) capture(ctx context.Context) error {
	in := r.c.in
	logger := r.c.logger.With("task", "capture")
	failures := 0

	for ctx.Err() == nil {
		readCtx, cancel := context.WithTimeout(ctx, r.c.cfg.PollInterval)
		f, err := in.Read(readCtx)
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, audioio.ErrNoData), errors.Is(err, context.DeadlineExceeded):
				continue
			case audioio.IsFatalDevice(err):
				r.stats.Error("capture")
				return fmt.Errorf("conversation: capture: %w", err)
			}

			failures++
			r.stats.Error("capture")
			logger.Warn("input read failed", "error", err, "consecutive", failures)
			if failures >= r.c.cfg.MaxDeviceErrors {
				return fmt.Errorf("%w: %s: %v", ErrTooManyDeviceErrors, in.Name(), err)
			}
			continue
		}
		failures = 0

		wire, err := r.captureConv.Convert(f)
		if err != nil {
			r.stats.Malformed()
			r.stats.Error("capture")
			logger.Warn("dropping unconvertible input frame", "error", err)
			continue
		}

		r.stats.FrameCaptured()
		if _, evicted := r.outbound.Put(wire); evicted {
			r.stats.FramesDropped(1)
		}
	}
	return nil
}
