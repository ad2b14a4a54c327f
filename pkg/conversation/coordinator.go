// Package conversation runs a full-duplex voice conversation: microphone
// audio streams to a live session while response audio plays back, with
// barge-in handled by flushing queued playback.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/live"
	"github.com/teslashibe/reachy-companion/pkg/queue"
)

// Coordinator wires an input device, an output device and a live session
// controller into a running conversation. One conversation runs at a time.
type Coordinator struct {
	ctrl   *live.Controller
	in     audioio.Input
	out    audioio.Output
	cfg    *Config
	logger *slog.Logger

	mu      sync.Mutex
	current *run
	last    *run

	sessMu sync.Mutex
	open   map[*live.Session]struct{}
}

// run is the state of one Start..Stop cycle.
type run struct {
	c *Coordinator

	stats    *Stats
	slot     *sessionSlot
	outbound *queue.Queue[audioio.Frame]
	inbound  *queue.Queue[audioio.Frame]
	player   *player
	notes    *notifier

	captureConv  *audioio.Converter
	playbackConv map[int]*audioio.Converter

	reconnects chan *live.Session

	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	cleanOnce sync.Once
}

// Status describes the coordinator for monitoring.
type Status struct {
	Running      bool      `json:"running"`
	Tag          string    `json:"tag"`
	SessionID    string    `json:"session_id,omitempty"`
	SessionState string    `json:"session_state"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	Stats        Snapshot  `json:"stats"`
}

// New creates a Coordinator.
func New(ctrl *live.Controller, in audioio.Input, out audioio.Output, opts ...Option) (*Coordinator, error) {
	if ctrl == nil || in == nil || out == nil {
		return nil, errors.New("conversation: controller, input and output are required")
	}
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		ctrl:   ctrl,
		in:     in,
		out:    out,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "conversation"),
		open:   make(map[*live.Session]struct{}),
	}, nil
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return *c.cfg
}

// Start opens devices and a live session, then runs the pipeline tasks
// until Stop is called, ctx is cancelled or a task fails.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.current; r != nil {
		select {
		case <-r.done:
			r.cleanup()
			c.current = nil
		default:
			return &AlreadyRunningError{Since: r.stats.Snapshot().StartedAt}
		}
	}

	wire := audioio.Format{SampleRate: c.cfg.WireInputRate, Channels: 1, Encoding: audioio.PCM16}
	captureConv, err := audioio.NewConverter(audioio.Spec(c.in.Format(), wire))
	if err != nil {
		return fmt.Errorf("conversation: capture conversion: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.in.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("conversation: start input %s: %w", c.in.Name(), err)
	}
	if err := c.out.Start(runCtx); err != nil {
		cancel()
		c.stopDevices()
		return fmt.Errorf("conversation: start output %s: %w", c.out.Name(), err)
	}

	sess, err := c.openSession(runCtx)
	if err != nil {
		cancel()
		c.stopDevices()
		return &NetworkError{Op: "connect", Cause: err, Fatal: true}
	}

	stats := NewStats(c.cfg.Metrics)
	stats.Start(time.Now())

	inbound := queue.New[audioio.Frame](c.cfg.InboundQueueSize)
	r := &run{
		c:            c,
		stats:        stats,
		slot:         newSessionSlot(sess),
		outbound:     queue.New[audioio.Frame](c.cfg.OutboundQueueSize),
		inbound:      inbound,
		player:       newPlayer(c.out, inbound),
		notes:        newNotifier(c.cfg.Notifier),
		captureConv:  captureConv,
		playbackConv: make(map[int]*audioio.Converter),
		reconnects:   make(chan *live.Session, 4),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	if c.cfg.Greeting != "" {
		if err := sess.SendText(c.cfg.Greeting); err != nil {
			c.logger.Warn("greeting not sent", "error", err)
		}
	}

	r.notes.emit(TagListening)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.capture(gctx) })
	g.Go(func() error { return r.transmit(gctx) })
	g.Go(func() error { return r.receive(gctx) })
	g.Go(func() error { return r.playback(gctx) })
	g.Go(func() error { return r.watch(gctx) })

	go func() {
		r.err = g.Wait()
		if r.err != nil {
			c.logger.Error("conversation ended", "error", r.err)
			// Release the session and devices now rather than waiting
			// for Stop.
			r.cleanup()
		}
		close(r.done)
	}()

	c.current = r
	c.last = r

	c.logger.Info("conversation started",
		"session", sess.ID(),
		"input", c.in.Name(),
		"output", c.out.Name(),
		"capture", captureConv.Spec().String())
	return nil
}

// Stop ends the conversation and returns its final statistics. Tasks get
// StopTimeout to exit; if they take longer Stop still releases devices
// and sessions and returns ErrStopTimeout. Calling Stop again returns
// the same statistics; calling it before any Start returns an empty
// snapshot.
func (c *Coordinator) Stop() (Snapshot, error) {
	c.mu.Lock()
	r := c.current
	c.current = nil
	last := c.last
	c.mu.Unlock()

	if r == nil {
		if last == nil {
			return Snapshot{}, nil
		}
		return last.stats.Snapshot(), nil
	}

	deadline := time.NewTimer(c.cfg.StopTimeout)
	defer deadline.Stop()

	r.cancel()
	c.closeSession(r.slot.current())

	var err error
	select {
	case <-r.done:
	case <-deadline.C:
		err = ErrStopTimeout
		c.logger.Warn("tasks did not stop in time", "timeout", c.cfg.StopTimeout)
	}

	r.cleanup()
	snap := r.stats.Snapshot()
	c.logger.Info("conversation stopped", "summary", snap.String())
	return snap, err
}

// Run starts a conversation and blocks until it ends, ctx is cancelled
// or duration elapses (zero means no limit). It returns the final
// statistics and the reason the conversation ended, if it failed.
func (c *Coordinator) Run(ctx context.Context, duration time.Duration) (Snapshot, error) {
	if err := c.Start(ctx); err != nil {
		return Snapshot{}, err
	}

	var limit <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		limit = t.C
	}

	select {
	case <-ctx.Done():
	case <-limit:
		c.logger.Info("conversation duration reached", "duration", duration)
	case <-c.Done():
	}

	snap, stopErr := c.Stop()
	if err := c.Err(); err != nil {
		return snap, err
	}
	return snap, stopErr
}

// Done returns a channel closed when the most recent conversation's
// tasks have exited. It is closed already if none was started.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.last.done
}

// Err returns why the most recent conversation ended, or nil while it
// runs and after a clean stop.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the most recent conversation's counters.
func (c *Coordinator) Stats() Snapshot {
	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return Snapshot{}
	}
	return r.stats.Snapshot()
}

// Running reports whether a conversation is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Status returns a monitoring view of the coordinator.
func (c *Coordinator) Status() Status {
	st := Status{
		Running:      c.Running(),
		Tag:          TagIdle,
		SessionState: c.ctrl.State().String(),
	}

	c.mu.Lock()
	r := c.last
	c.mu.Unlock()
	if r == nil {
		return st
	}

	st.Tag = r.notes.current()
	st.Stats = r.stats.Snapshot()
	if err := c.Err(); err != nil {
		st.Error = err.Error()
	}
	if sess := r.slot.current(); sess != nil {
		st.SessionID = sess.ID()
		st.SessionState = sess.State().String()
		st.ExpiresAt = sess.ExpiresAt()
	}
	return st
}

// cleanup releases everything a run holds. It runs once.
func (r *run) cleanup() {
	r.cleanOnce.Do(func() {
		c := r.c
		r.cancel()
		c.stopDevices()
		r.outbound.Close()
		r.inbound.Close()

		c.sessMu.Lock()
		open := make([]*live.Session, 0, len(c.open))
		for s := range c.open {
			open = append(open, s)
		}
		c.sessMu.Unlock()
		for _, s := range open {
			c.closeSession(s)
		}

		r.stats.End(time.Now())
		r.notes.emit(TagIdle)
		r.notes.close()
	})
}

func (c *Coordinator) stopDevices() {
	if err := c.in.Stop(); err != nil {
		c.logger.Warn("stop input", "device", c.in.Name(), "error", err)
	}
	if err := c.out.Stop(); err != nil {
		c.logger.Warn("stop output", "device", c.out.Name(), "error", err)
	}
}
