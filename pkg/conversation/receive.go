package conversation

import (
	"context"
	"errors"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/live"
)

// receive consumes session events, queueing response audio for playback
// and handling interruptions and turn boundaries.
func (r *run) receive(ctx context.Context) error {
	for {
		sess := r.slot.current()

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sess.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if !r.c.cfg.AutoReconnect {
					cause := sess.Err()
					if cause == nil {
						cause = live.ErrSessionClosed
					}
					r.stats.Error("receive")
					return &NetworkError{Op: "receive", Cause: cause, Fatal: true}
				}
				r.requestReconnect(sess)
				if _, err := r.slot.awaitNext(ctx, sess); err != nil {
					return nil
				}
				continue
			}
			if err := r.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (r *run) handleEvent(ev live.Event) error {
	logger := r.c.logger

	switch ev.Kind {
	case live.EventAudio:
		r.playAudio(ev)

	case live.EventInterrupted:
		n := r.inbound.Flush()
		r.stats.FramesFlushed(uint64(n))
		r.player.Interrupt()
		for _, conv := range r.playbackConv {
			conv.Reset()
		}
		r.stats.Interruption()
		logger.Debug("response interrupted", "flushed", n)
		r.notes.emit(TagListening)

	case live.EventTurnComplete:
		r.stats.TurnCompleted()
		r.notes.emit(TagListening)

	case live.EventGoAway:
		logger.Info("service is closing the session", "time_left", ev.TimeLeft)
		if r.c.cfg.AutoReconnect {
			r.requestReconnect(r.slot.current())
		}

	case live.EventError:
		r.stats.Error("receive")
		if !ev.Fatal {
			logger.Warn("service error", "error", ev.Err)
			return nil
		}
		if r.c.cfg.AutoReconnect && live.IsRetryable(ev.Err) {
			logger.Warn("session failed, reconnecting", "error", ev.Err)
			return nil
		}
		return &NetworkError{Op: "receive", Cause: ev.Err, Fatal: true}
	}
	return nil
}

// playAudio converts a response chunk to the output format and queues
// it. Malformed chunks are counted and skipped.
func (r *run) playAudio(ev live.Event) {
	f, err := ev.Frame()
	if err == nil {
		var conv *audioio.Converter
		conv, err = r.playbackConverter(f.SampleRate)
		if err == nil {
			f, err = conv.Convert(f)
		}
	}
	if err != nil {
		r.stats.Malformed()
		r.stats.Error("receive")
		r.c.logger.Warn("dropping malformed response audio", "bytes", len(ev.Audio), "error", err)
		return
	}

	r.stats.FrameReceived()
	r.notes.emit(TagSpeaking)
	if _, evicted := r.inbound.Put(f); evicted {
		r.stats.FramesDropped(1)
	}
}

// playbackConverter returns the converter for chunks arriving at rate.
// The service normally sends a single rate, but each chunk carries its
// own and a change must not corrupt resampler state.
func (r *run) playbackConverter(rate int) (*audioio.Converter, error) {
	if conv, ok := r.playbackConv[rate]; ok {
		return conv, nil
	}
	if rate <= 0 {
		return nil, errors.New("conversation: response audio without a sample rate")
	}
	src := audioio.Format{SampleRate: rate, Channels: 1, Encoding: audioio.PCM16}
	conv, err := audioio.NewConverter(audioio.Spec(src, r.c.out.Format()))
	if err != nil {
		return nil, err
	}
	r.playbackConv[rate] = conv
	return conv, nil
}
