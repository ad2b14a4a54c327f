// Package queue provides a bounded FIFO buffer with a drop-oldest
// overflow policy, used to decouple real-time audio producers from
// their consumers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors for the queue package.
var (
	// ErrTimeout indicates Get found no item before its timeout.
	ErrTimeout = errors.New("queue: timeout")

	// ErrClosed indicates the queue was closed and drained.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a fixed-capacity FIFO. When full, Put evicts the oldest item
// to admit the new one, so producers never block. Consumers block in Get
// with a timeout and cancellation.
//
// Flush discards everything at once and advances the epoch; GetStamped
// reports the epoch an item was dequeued in, letting a consumer detect
// a flush that happened after it took the item.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	epoch  uint64
	closed bool

	// ready holds a token while items may be available.
	ready chan struct{}
	done  chan struct{}

	dropped atomic.Uint64
	flushed atomic.Uint64
}

// New creates a queue holding at most capacity items.
// Capacities below 1 are raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Put appends item. If the queue is full the oldest item is discarded
// and returned with evicted set to true. Put on a closed queue discards
// item and reports it as evicted.
func (q *Queue[T]) Put(item T) (old T, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropped.Add(1)
		return item, true
	}

	if q.size == len(q.items) {
		old = q.items[q.head]
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
		evicted = true
		q.dropped.Add(1)
	}
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.mu.Unlock()

	q.signal()
	return old, evicted
}

// Get removes and returns the oldest item, waiting up to timeout.
// It returns ErrTimeout when the wait expires, ctx.Err() when ctx is
// done, and ErrClosed once the queue is closed and empty.
// A timeout of zero or less waits until ctx is done.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	item, _, err := q.GetStamped(ctx, timeout)
	return item, err
}

// GetStamped is Get that also returns the flush epoch at dequeue time.
func (q *Queue[T]) GetStamped(ctx context.Context, timeout time.Duration) (T, uint64, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if item, epoch, ok, closed := q.pop(); ok {
			return item, epoch, nil
		} else if closed {
			var zero T
			return zero, epoch, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-expired:
			var zero T
			return zero, q.Epoch(), ErrTimeout
		case <-ctx.Done():
			var zero T
			return zero, q.Epoch(), ctx.Err()
		}
	}
}

// TryGet removes the oldest item without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	item, _, ok, _ := q.pop()
	return item, ok
}

func (q *Queue[T]) pop() (item T, epoch uint64, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	epoch = q.epoch
	if q.size == 0 {
		return item, epoch, false, q.closed
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	if q.size > 0 {
		q.signal()
	}
	return item, epoch, true, false
}

// signal leaves a wake-up token for one waiter.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Flush discards all queued items atomically, advances the epoch and
// returns how many items were discarded.
func (q *Queue[T]) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	var zero T
	for i := 0; i < q.size; i++ {
		q.items[(q.head+i)%len(q.items)] = zero
	}
	q.head = 0
	q.size = 0
	q.epoch++
	q.flushed.Add(uint64(n))
	return n
}

// Close wakes all waiters. Remaining items can still be drained.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Epoch returns the number of flushes so far.
func (q *Queue[T]) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Dropped returns how many items were evicted by overflow.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Flushed returns how many items were discarded by Flush.
func (q *Queue[T]) Flushed() uint64 {
	return q.flushed.Load()
}
