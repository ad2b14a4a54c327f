package live

import (
	"context"
	"io"
	"sync"
)

// MockConn is an in-memory Conn for testing. Events are injected with
// the Simulate helpers and sent audio is captured for assertions.
type MockConn struct {
	mu     sync.Mutex
	closed bool

	inbound chan Event
	ended   chan struct{}
	done    chan struct{}
	endOnce sync.Once

	// Configurable behavior
	SendAudioFunc func(pcm []byte, mimeType string) error
	SendTextFunc  func(text string) error

	// Captured calls for assertions
	AudioSent [][]byte
	MimeTypes []string
	TextSent  []string
}

// NewMockConn creates a new MockConn.
func NewMockConn() *MockConn {
	return &MockConn{
		inbound: make(chan Event, 256),
		ended:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SendAudio implements Conn.
func (m *MockConn) SendAudio(ctx context.Context, pcm []byte, mimeType string) error {
	if m.SendAudioFunc != nil {
		if err := m.SendAudioFunc(pcm, mimeType); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return io.ErrClosedPipe
	}
	m.AudioSent = append(m.AudioSent, pcm)
	m.MimeTypes = append(m.MimeTypes, mimeType)
	return nil
}

// SendText implements Conn.
func (m *MockConn) SendText(ctx context.Context, text string) error {
	if m.SendTextFunc != nil {
		if err := m.SendTextFunc(text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return io.ErrClosedPipe
	}
	m.TextSent = append(m.TextSent, text)
	return nil
}

// Recv implements Conn.
func (m *MockConn) Recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-m.inbound:
		return ev, nil
	default:
	}
	select {
	case ev := <-m.inbound:
		return ev, nil
	case <-m.ended:
		select {
		case ev := <-m.inbound:
			return ev, nil
		default:
			return Event{}, io.EOF
		}
	case <-m.done:
		return Event{}, io.ErrClosedPipe
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close implements Conn.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Chunks returns the number of audio chunks sent so far.
func (m *MockConn) Chunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AudioSent)
}

// SentAudio returns a copy of the captured audio chunks.
func (m *MockConn) SentAudio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.AudioSent...)
}

// SentText returns a copy of the captured text turns.
func (m *MockConn) SentText() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.TextSent...)
}

// Test helpers

// SimulateEvent queues ev for Recv.
func (m *MockConn) SimulateEvent(ev Event) {
	m.inbound <- ev
}

// SimulateAudio queues an audio event carrying pcm at rate.
func (m *MockConn) SimulateAudio(pcm []byte, rate int) {
	m.SimulateEvent(Event{Kind: EventAudio, Audio: pcm, SampleRate: rate})
}

// SimulateInterruption queues an interrupted event.
func (m *MockConn) SimulateInterruption() {
	m.SimulateEvent(Event{Kind: EventInterrupted})
}

// SimulateTurnComplete queues a turn-complete event.
func (m *MockConn) SimulateTurnComplete() {
	m.SimulateEvent(Event{Kind: EventTurnComplete})
}

// SimulateError queues an error event.
func (m *MockConn) SimulateError(err error, fatal bool) {
	m.SimulateEvent(Event{Kind: EventError, Err: err, Fatal: fatal})
}

// SimulateRemoteClose ends the stream as if the server hung up cleanly.
// Events already queued are still delivered.
func (m *MockConn) SimulateRemoteClose() {
	m.endOnce.Do(func() { close(m.ended) })
}

// MockDialer hands out MockConns and records every dial.
type MockDialer struct {
	mu    sync.Mutex
	conns []*MockConn

	// DialFunc overrides the default behavior when set.
	DialFunc func(ctx context.Context, creds Credentials, cfg Config) (Conn, error)

	// Dials counts Dial calls, including failed ones.
	Dials int
}

// NewMockDialer creates a new MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// Dial implements Dialer.
func (d *MockDialer) Dial(ctx context.Context, creds Credentials, cfg Config) (Conn, error) {
	d.mu.Lock()
	d.Dials++
	fn := d.DialFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, creds, cfg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := NewMockConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Conns returns the connections handed out so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// DialCount returns the number of Dial calls.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Dials
}

var (
	_ Conn   = (*MockConn)(nil)
	_ Dialer = (*MockDialer)(nil)
)
