package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
)

// closeWait bounds how long Close waits for the session goroutines.
const closeWait = 100 * time.Millisecond

type outbound struct {
	audio []byte
	mime  string
	text  string
}

// Session is one streaming conversation with the service.
//
// Send never blocks on the network: chunks are queued for a writer
// goroutine and ErrBackpressure is returned when that queue is full.
// A reader goroutine pumps the wire into Events, which is closed when
// the stream ends for any reason.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	cause     error
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	out       chan outbound
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(cfg Config, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:     id,
		cfg:    cfg,
		logger: logger.With("session", id),
		state:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, cfg.SendBuffer),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// attach starts the session goroutines over an established connection.
func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session became active.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// ExpiresAt returns when the service will end the session. The zero
// time means no limit is known.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxDuration <= 0 || s.startedAt.IsZero() {
		return time.Time{}
	}
	return s.startedAt.Add(s.cfg.MaxDuration)
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed once the session stops accepting sends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Events returns the inbound stream. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Send queues an audio frame for transmission. The frame must be PCM16
// mono. It returns ErrBackpressure if the wire is congested and
// ErrSessionClosed, or the fatal error that ended the session, once the
// session is no longer active.
func (s *Session) Send(frame audioio.Frame) error {
	if frame.Encoding != audioio.PCM16 || frame.Channels != 1 {
		return ErrUnsupportedAudio
	}
	return s.enqueue(outbound{audio: frame.Bytes(), mime: PCMMimeType(frame.SampleRate)})
}

// SendText queues a complete user text turn, such as a greeting prompt.
func (s *Session) SendText(text string) error {
	return s.enqueue(outbound{text: text})
}

func (s *Session) enqueue(msg outbound) error {
	if err := s.sendable(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return s.closedErr()
	default:
		return ErrBackpressure
	}
}

func (s *Session) sendable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return nil
	}
	if s.state == StateConnecting {
		return &StateError{Op: "send", State: s.state}
	}
	if s.cause != nil {
		return s.cause
	}
	return ErrSessionClosed
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			var err error
			if msg.text != "" {
				err = s.conn.SendText(s.ctx, msg.text)
			} else {
				err = s.conn.SendAudio(s.ctx, msg.audio, msg.mime)
			}
			if err != nil {
				s.fail(&ConnectionError{Reason: "send", Cause: err, Retryable: true})
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		ev, err := s.conn.Recv(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if ev.Kind == EventError && ev.Fatal {
			s.deliver(ev)
			s.fail(ev.Err)
			return
		}
		if !s.deliver(ev) {
			return
		}
	}
}

// deliver hands ev to the consumer unless the session shuts down first.
func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finish handles the end of the inbound stream.
func (s *Session) finish(err error) {
	s.mu.Lock()
	cause := s.cause
	closing := s.state == StateClosing || s.state == StateClosed
	s.mu.Unlock()

	switch {
	case cause != nil:
		// The writer failed first and closed the connection under us.
		s.notifyFatal(cause)
		s.shutdown(cause)
	case closing:
		s.shutdown(nil)
	case errors.Is(err, io.EOF):
		s.logger.Info("stream ended by server")
		s.shutdown(nil)
	default:
		cause = &ConnectionError{Reason: "receive", Cause: err, Retryable: true}
		s.logger.Warn("stream lost", "error", err)
		s.notifyFatal(cause)
		s.fail(cause)
	}
}

func (s *Session) notifyFatal(cause error) {
	select {
	case s.events <- Event{Kind: EventError, Err: cause, Fatal: true}:
	default:
	}
}

// fail records cause and tears the session down.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	s.shutdown(cause)
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosing {
			s.logger.Debug("session ended", "state", s.state, "error", cause)
		}
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.logger.Debug("close connection", "error", err)
			}
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}

// close moves an active session through Closing to Closed and waits
// briefly for its goroutines.
func (s *Session) close() error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateActive:
		s.state = StateClosing
	default:
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return nil
		}
		return &StateError{Op: "close", State: st}
	}
	s.mu.Unlock()

	s.shutdown(nil)

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(closeWait):
		s.logger.Warn("session goroutines still running after close")
	}
	return nil
}
