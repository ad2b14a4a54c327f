package audioio

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockInput is a synthetic capture device for testing.
// It generates silence or a sine wave at the configured buffer cadence.
type MockInput struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	frames  chan Frame

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
	limit     int     // 0 = unlimited

	generated  atomic.Int64
	overruns   atomic.Int64
	failReads  atomic.Int64
	failFatal  atomic.Bool
	readErrors atomic.Int64
}

// MockInputOption configures a MockInput.
type MockInputOption func(*MockInput)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockInputOption {
	return func(m *MockInput) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithFrameLimit stops generation after n frames. Reads then return ErrNoData.
func WithFrameLimit(n int) MockInputOption {
	return func(m *MockInput) {
		m.limit = n
	}
}

// NewMockInput creates a new mock capture device.
func NewMockInput(cfg Config, logger *slog.Logger, opts ...MockInputOption) *MockInput {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockInput{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		frames:    make(chan Frame, 16),
		amplitude: 0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins generating audio.
func (m *MockInput) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	go m.generateLoop(ctx, m.stopCh)

	m.logger.Info("mock audio input started",
		"sample_rate", m.cfg.SampleRate,
		"channels", m.cfg.Channels,
		"frequency", m.frequency,
	)
	return nil
}

func (m *MockInput) generateLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.limit > 0 && m.generated.Load() >= int64(m.limit) {
				return
			}
			f := m.generateFrame()
			m.generated.Add(1)
			select {
			case m.frames <- f:
			default:
				m.overruns.Add(1)
				m.logger.Debug("mock input: buffer full, dropping frame")
			}
		}
	}
}

func (m *MockInput) generateFrame() Frame {
	n := m.cfg.BufferSize()
	ch := m.cfg.Channels
	samples := make([]float32, n*ch)

	if m.frequency > 0 {
		for i := 0; i < n; i++ {
			v := float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
			for c := 0; c < ch; c++ {
				samples[i*ch+c] = v
			}
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	return NewFloatFrame(samples, m.cfg.SampleRate, ch)
}

// Stop halts audio generation.
func (m *MockInput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.logger.Info("mock audio input stopped", "generated", m.generated.Load())
	return nil
}

// FailNextReads makes the next n reads fail with a transient DeviceError.
func (m *MockInput) FailNextReads(n int) {
	m.failReads.Store(int64(n))
}

// FailFatal makes every later read fail with a fatal DeviceError, as if
// the device was unplugged.
func (m *MockInput) FailFatal() {
	m.failFatal.Store(true)
}

// Read returns the next generated frame.
func (m *MockInput) Read(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	running := m.running
	stop := m.stopCh
	m.mu.Unlock()
	if !running {
		return Frame{}, ErrDeviceClosed
	}

	if m.failFatal.Load() {
		m.readErrors.Add(1)
		return Frame{}, &DeviceError{Device: "mock", Op: "read", Cause: errors.New("device unplugged"), Fatal: true}
	}
	if m.failReads.Load() > 0 {
		m.failReads.Add(-1)
		m.readErrors.Add(1)
		return Frame{}, &DeviceError{Device: "mock", Op: "read", Cause: errors.New("simulated glitch")}
	}

	select {
	case f := <-m.frames:
		return f, nil
	case <-stop:
		return Frame{}, ErrDeviceClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, ErrNoData
		}
		return Frame{}, ctx.Err()
	}
}

// ReadErrors returns how many reads failed by injection.
func (m *MockInput) ReadErrors() int64 {
	return m.readErrors.Load()
}

// Generated returns how many frames the generator produced.
func (m *MockInput) Generated() int64 {
	return m.generated.Load()
}

// Format returns the float format of generated frames.
func (m *MockInput) Format() Format {
	return m.cfg.Format()
}

// Name returns "mock".
func (m *MockInput) Name() string {
	return "mock"
}

// MockOutput is a playback device for testing.
// It records every frame it plays.
type MockOutput struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	played  []Frame

	aborts atomic.Int64
}

// NewMockOutput creates a new mock playback device.
func NewMockOutput(cfg Config, logger *slog.Logger) *MockOutput {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockOutput{
		cfg:    cfg,
		logger: logger,
		played: make([]Frame, 0, 100),
	}
}

// Start begins accepting audio.
func (m *MockOutput) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.logger.Info("mock audio output started", "paced", m.cfg.Paced)
	return nil
}

// Stop halts audio acceptance.
func (m *MockOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.running = false
		m.logger.Info("mock audio output stopped", "played", len(m.played))
	}
	return nil
}

// Write records f. When paced it blocks for the frame duration first,
// and an aborted frame is not recorded.
func (m *MockOutput) Write(ctx context.Context, f Frame) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrDeviceClosed
	}

	if m.cfg.Paced {
		timer := time.NewTimer(f.Duration())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			m.aborts.Add(1)
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	m.played = append(m.played, f)
	m.mu.Unlock()
	return nil
}

// Running reports whether the output is started.
func (m *MockOutput) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Abort counts an abort request.
func (m *MockOutput) Abort() {
	m.aborts.Add(1)
}

// Played returns a copy of the frames played so far.
func (m *MockOutput) Played() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.played))
	copy(out, m.played)
	return out
}

// Aborts returns how many writes were aborted or abort requests received.
func (m *MockOutput) Aborts() int64 {
	return m.aborts.Load()
}

// Format returns the float format the output accepts.
func (m *MockOutput) Format() Format {
	return m.cfg.Format()
}

// Name returns "mock".
func (m *MockOutput) Name() string {
	return "mock"
}

var (
	_ Input   = (*MockInput)(nil)
	_ Output  = (*MockOutput)(nil)
	_ Aborter = (*MockOutput)(nil)
)
