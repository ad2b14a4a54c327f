package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/queue"
)

// player owns the output device. Interrupt may be called from another
// goroutine to abandon the frame being written.
type player struct {
	out   audioio.Output
	queue *queue.Queue[audioio.Frame]

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newPlayer(out audioio.Output, q *queue.Queue[audioio.Frame]) *player {
	return &player{out: out, queue: q}
}

// Interrupt cancels the in-flight write and asks the device to drop
// audio it has buffered. Call it after flushing the queue.
func (p *player) Interrupt() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if a, ok := p.out.(audioio.Aborter); ok {
		a.Abort()
	}
}

// write plays f unless a flush happened after it was dequeued in epoch.
// It reports whether f was discarded by an interruption.
func (p *player) write(ctx context.Context, f audioio.Frame, epoch uint64) (bool, error) {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	// Checked under the lock so an Interrupt either sees this write's
	// cancel func or has already advanced the epoch.
	if p.queue.Epoch() != epoch {
		p.mu.Unlock()
		return true, nil
	}
	p.cancel = cancel
	p.mu.Unlock()

	err := p.out.Write(writeCtx, f)

	p.mu.Lock()
	p.cancel = nil
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil && writeCtx.Err() != nil {
		return true, nil
	}
	return false, err
}

// playback drains the inbound queue into the output device.
func (r *run) playback(ctx context.Context) error {
	logger := r.c.logger.With("task", "playback")
	failures := 0

	for {
		f, epoch, err := r.inbound.GetStamped(ctx, r.c.cfg.PollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			return nil
		}

		flushed, err := r.player.write(ctx, f, epoch)
		switch {
		case ctx.Err() != nil:
			return nil
		case flushed:
			r.stats.FramesFlushed(1)
			continue
		case err == nil:
			failures = 0
			r.stats.FramePlayed()
			continue
		case audioio.IsFatalDevice(err):
			r.stats.Error("playback")
			return fmt.Errorf("conversation: playback: %w", err)
		}

		failures++
		r.stats.Error("playback")
		logger.Warn("output write failed", "error", err, "consecutive", failures)
		if failures >= r.c.cfg.MaxDeviceErrors {
			return fmt.Errorf("%w: %s: %v", ErrTooManyDeviceErrors, r.c.out.Name(), err)
		}
	}
}
