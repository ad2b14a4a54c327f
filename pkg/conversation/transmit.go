package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/queue"
)

const progressEvery = 500

// transmit sends queued frames to the live session in capture order.
func (r *run) transmit(ctx context.Context) error {
	for {
		f, err := r.outbound.Get(ctx, r.c.cfg.PollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			return nil
		}
		if err := r.send(ctx, f); err != nil {
			return err
		}
	}
}

// send hands f to the current session. Transient failures are retried
// with exponential backoff, then the frame is dropped. When the session
// is gone, send waits for the watchdog to replace it and resends f there.
func (r *run) send(ctx context.Context, f audioio.Frame) error {
	cfg := r.c.cfg
	start := time.Now()
	backoff := cfg.SendBackoff
	attempt := 0

	for {
		sess := r.slot.current()
		err := sess.Send(f)
		if err == nil {
			if n := r.stats.FrameSent(); n%progressEvery == 0 {
				r.c.logger.Debug("audio progress", "frames_sent", n)
			}
			if cfg.Metrics != nil {
				cfg.Metrics.SendDuration.Record(ctx, time.Since(start).Seconds())
			}
			return nil
		}
		if ctx.Err() != nil {
			r.stats.FramesDropped(1)
			return nil
		}

		if !IsFatal(err) {
			attempt++
			if attempt > cfg.SendRetries {
				r.stats.Error("transmit")
				r.stats.FramesDropped(1)
				r.c.logger.Warn("dropping frame after retries", "attempts", attempt, "error", err)
				return nil
			}
			if !sleepCtx(ctx, backoff) {
				r.stats.FramesDropped(1)
				return nil
			}
			backoff *= 2
			continue
		}

		if !cfg.AutoReconnect {
			r.stats.Error("transmit")
			return &NetworkError{Op: "send", Cause: err, Fatal: true}
		}
		r.c.logger.Debug("session unavailable, waiting for reconnect", "session", sess.ID(), "error", err)
		r.requestReconnect(sess)
		if _, err := r.slot.awaitNext(ctx, sess); err != nil {
			r.stats.FramesDropped(1)
			return nil
		}
		attempt = 0
		backoff = cfg.SendBackoff
	}
}
