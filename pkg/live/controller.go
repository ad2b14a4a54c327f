package live

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Controller opens and closes sessions, keeping at most one active.
type Controller struct {
	dialer Dialer
	creds  Credentials
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewController creates a controller that dials through d.
func NewController(d Dialer, creds Credentials, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dialer: d,
		creds:  creds,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "live"),
	}
}

// Config returns the session configuration in use.
func (c *Controller) Config() Config {
	return c.cfg
}

// State returns the state of the current session, or
// StateDisconnected if none was ever opened.
func (c *Controller) State() State {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return StateDisconnected
	}
	return s.State()
}

// Session returns the most recent session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Connect opens a new session. It fails with a StateError while another
// session is connecting, active or closing, and with a ConnectionError
// when the service cannot be reached or rejects the credentials.
func (c *Controller) Connect(ctx context.Context) (*Session, error) {
	if c.creds.Empty() {
		return nil, &ConnectionError{Reason: "authenticate", Cause: ErrMissingCredentials}
	}

	c.mu.Lock()
	if c.current != nil {
		switch st := c.current.State(); st {
		case StateConnecting, StateActive, StateClosing:
			c.mu.Unlock()
			return nil, &StateError{Op: "connect", State: st}
		}
	}
	s := newSession(c.cfg, c.logger)
	c.current = s
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Info("connecting", "model", c.cfg.Model, "session", s.ID())
	conn, err := c.dialer.Dial(dialCtx, c.creds, c.cfg)
	if err != nil {
		s.fail(dialError(err))
		return nil, s.Err()
	}

	// Close may have raced the dial.
	if st := s.State(); st != StateConnecting {
		_ = conn.Close()
		return nil, &StateError{Op: "connect", State: st}
	}

	s.attach(conn)
	c.logger.Info("session active", "session", s.ID(), "expires_at", s.ExpiresAt())
	return s, nil
}

// Close ends s. Closing an already closed session is a no-op.
func (c *Controller) Close(s *Session) error {
	if s == nil {
		return nil
	}
	err := s.close()
	if err == nil {
		c.logger.Info("session closed", "session", s.ID())
	}
	return err
}

// CloseCurrent ends the current session, if any.
func (c *Controller) CloseCurrent() error {
	return c.Close(c.Session())
}

func dialError(err error) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr
	}
	if errors.Is(err, context.Canceled) {
		return &ConnectionError{Reason: "dial", Cause: err}
	}
	var netErr net.Error
	retryable := errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr)
	return &ConnectionError{Reason: "dial", Cause: err, Retryable: retryable}
}
