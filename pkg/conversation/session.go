package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/reachy-companion/internal/observe"
	"github.com/teslashibe/reachy-companion/pkg/live"
)

const maxReconnectBackoff = 10 * time.Second

// sessionSlot holds the session Transmit and Receive talk to, and lets
// the watchdog swap it for a fresh one.
type sessionSlot struct {
	mu      sync.Mutex
	cur     *live.Session
	changed chan struct{}
}

func newSessionSlot(s *live.Session) *sessionSlot {
	return &sessionSlot{cur: s, changed: make(chan struct{})}
}

func (s *sessionSlot) current() *live.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *sessionSlot) replace(next *live.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = next
	close(s.changed)
	s.changed = make(chan struct{})
}

// awaitNext blocks until the slot holds a session other than old.
func (s *sessionSlot) awaitNext(ctx context.Context, old *live.Session) (*live.Session, error) {
	for {
		s.mu.Lock()
		cur, changed := s.cur, s.changed
		s.mu.Unlock()
		if cur != old {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// openSession connects a new live session.
func (c *Coordinator) openSession(ctx context.Context) (*live.Session, error) {
	ctx, span := observe.StartSpan(ctx, "live.connect")
	defer span.End()

	sess, err := c.ctrl.Connect(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.sessMu.Lock()
	c.open[sess] = struct{}{}
	c.sessMu.Unlock()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	return sess, nil
}

// closeSession ends sess. It is safe to call more than once.
func (c *Coordinator) closeSession(sess *live.Session) {
	if sess == nil {
		return
	}
	if err := c.ctrl.Close(sess); err != nil {
		c.logger.Debug("close session", "session", sess.ID(), "error", err)
	}

	c.sessMu.Lock()
	_, wasOpen := c.open[sess]
	delete(c.open, sess)
	c.sessMu.Unlock()
	if wasOpen && c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// requestReconnect asks the watchdog to replace sess. Requests for a
// session that was already replaced are ignored.
func (r *run) requestReconnect(sess *live.Session) {
	select {
	case r.reconnects <- sess:
	default:
	}
}

// watch replaces the session ahead of its time limit and whenever a
// task reports it lost. Without auto-reconnect, reaching the limit ends
// the conversation with ErrSessionExpired.
func (r *run) watch(ctx context.Context) error {
	cfg := r.c.cfg
	for {
		sess := r.slot.current()

		var timer *time.Timer
		var expiry <-chan time.Time
		if at := sess.ExpiresAt(); !at.IsZero() {
			timer = time.NewTimer(time.Until(at.Add(-cfg.ReconnectMargin)))
			expiry = timer.C
		}

		var reason string
		select {
		case <-ctx.Done():
		case <-expiry:
			reason = "session limit"
		case lost := <-r.reconnects:
			if lost == sess {
				reason = "session lost"
			}
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
		if reason == "" {
			continue
		}

		if !cfg.AutoReconnect {
			r.c.logger.Info("session limit reached", "session", sess.ID(), "expires_at", sess.ExpiresAt())
			return ErrSessionExpired
		}
		if err := r.reconnect(ctx, sess, reason); err != nil {
			return err
		}
	}
}

// reconnect closes old before dialing, since only one session may be
// active at a time, then retries with exponential backoff.
func (r *run) reconnect(ctx context.Context, old *live.Session, reason string) error {
	cfg := r.c.cfg
	logger := r.c.logger
	logger.Info("reconnecting", "session", old.ID(), "reason", reason)

	r.c.closeSession(old)

	backoff := cfg.ReconnectBackoff
	for attempt := 1; ; attempt++ {
		sess, err := r.c.openSession(ctx)
		if err == nil {
			r.slot.replace(sess)
			r.stats.Reconnect()
			logger.Info("reconnected", "session", sess.ID(), "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		r.stats.Error("reconnect")
		if !live.IsRetryable(err) || attempt >= cfg.ReconnectAttempts {
			return &NetworkError{Op: "reconnect", Cause: err, Fatal: true}
		}
		logger.Warn("reconnect failed", "attempt", attempt, "retry_in", backoff, "error", err)

		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// sleepCtx waits for d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
