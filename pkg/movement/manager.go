package movement

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/reachy-companion/pkg/robot"
)

// DefaultMaxPending bounds the queue; the lowest-priority command is
// dropped when it overflows.
const DefaultMaxPending = 16

// ErrStopped is returned when enqueueing on a stopped manager.
var ErrStopped = errors.New("movement: manager stopped")

// commandHeap orders by priority, then arrival.
type commandHeap []Command

func (h commandHeap) Len() int { return len(h) }
func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x any)   { *h = append(*h, x.(Command)) }
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Manager runs queued commands on a robot in a background goroutine.
// Enqueue never blocks.
type Manager struct {
	mover      robot.Mover
	logger     *slog.Logger
	maxPending int

	mu        sync.Mutex
	queue     commandHeap
	seq       uint64
	current   *Command
	cancelCur context.CancelFunc
	running   bool
	stopped   bool
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	executed, failed, dropped uint64
}

// NewManager creates a manager driving m.
func NewManager(m robot.Mover, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mover:      m,
		logger:     logger.With("component", "movement"),
		maxPending: DefaultMaxPending,
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the worker. Starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.stopped = false
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop cancels the running command and waits for the worker to exit.
// Queued commands are discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.cancel()
	done := m.done
	m.queue = nil
	m.mu.Unlock()
	<-done
}

// Enqueue adds c. A High command interrupts the running command if it
// is interruptible.
func (m *Manager) Enqueue(c Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}

	m.seq++
	c.seq = m.seq
	heap.Push(&m.queue, c)
	if len(m.queue) > m.maxPending {
		m.dropLowest()
	}

	if c.Priority == High && m.current != nil && m.current.Interruptible {
		m.logger.Debug("interrupting", "command", m.current.Name, "by", c.Name)
		m.cancelCur()
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Express queues the gesture for e.
func (m *Manager) Express(e Emotion, p Priority) error {
	c, err := Gesture(e, p)
	if err != nil {
		return err
	}
	return m.Enqueue(c)
}

// InterruptCurrent cancels the running command if it is interruptible.
func (m *Manager) InterruptCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Interruptible {
		m.cancelCur()
	}
}

// Clear discards queued commands.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// Len returns the number of queued commands.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Current returns the running command's name, or "".
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Name
}

// Counts returns executed, failed and dropped command totals.
func (m *Manager) Counts() (executed, failed, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed, m.failed, m.dropped
}

func (m *Manager) dropLowest() {
	worst := 0
	for i := range m.queue {
		if m.queue.Less(worst, i) {
			worst = i
		}
	}
	c := heap.Remove(&m.queue, worst).(Command)
	m.dropped++
	m.logger.Debug("movement queue full, dropping", "command", c.Name)
}

func (m *Manager) next(ctx context.Context) (Command, context.Context, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			c := heap.Pop(&m.queue).(Command)
			cctx, cancel := context.WithCancel(ctx)
			m.current = &c
			m.cancelCur = cancel
			m.mu.Unlock()
			return c, cctx, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Command{}, nil, false
		case <-m.wake:
		}
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c, cctx, ok := m.next(ctx)
		if !ok {
			return
		}

		err := c.Run(cctx, m.mover)

		m.mu.Lock()
		m.cancelCur()
		m.current = nil
		m.cancelCur = nil
		switch {
		case err == nil:
			m.executed++
		case errors.Is(err, context.Canceled):
		default:
			m.failed++
		}
		m.mu.Unlock()

		switch {
		case err == nil:
			m.logger.Debug("movement complete", "command", c.Name, "priority", c.Priority)
		case errors.Is(err, context.Canceled):
			m.logger.Debug("movement interrupted", "command", c.Name)
		default:
			m.logger.Warn("movement failed", "command", c.Name, "error", err)
		}
	}
}
