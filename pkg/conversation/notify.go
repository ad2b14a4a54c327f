package conversation

import "sync"

// Coarse conversation states reported to a Notifier.
const (
	TagListening = "listening"
	TagSpeaking  = "speaking"
	TagIdle      = "idle"
)

// Notifier receives coarse state changes, for example to drive robot
// gestures. Notify is called from a dedicated goroutine; a slow notifier
// loses notifications but never stalls the audio pipeline.
type Notifier interface {
	Notify(tag string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(tag string)

// Notify calls f.
func (f NotifierFunc) Notify(tag string) { f(tag) }

const notifyBuffer = 8

// notifier forwards tags to a Notifier without blocking the caller.
// Consecutive duplicates are suppressed.
type notifier struct {
	sink Notifier
	tags chan string
	quit chan struct{}

	mu    sync.Mutex
	last  string
	drops int
}

func newNotifier(sink Notifier) *notifier {
	n := &notifier{
		sink: sink,
		tags: make(chan string, notifyBuffer),
		quit: make(chan struct{}),
	}
	if sink != nil {
		go n.dispatch()
	}
	return n
}

func (n *notifier) emit(tag string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tag == n.last {
		return
	}
	n.last = tag
	if n.sink == nil {
		return
	}
	select {
	case n.tags <- tag:
	default:
		n.drops++
	}
}

func (n *notifier) dispatch() {
	for {
		select {
		case tag := <-n.tags:
			n.sink.Notify(tag)
		case <-n.quit:
			for {
				select {
				case tag := <-n.tags:
					n.sink.Notify(tag)
				default:
					return
				}
			}
		}
	}
}

// current returns the most recent tag emitted.
func (n *notifier) current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

// close stops the dispatcher after it delivers what is queued.
func (n *notifier) close() {
	close(n.quit)
}
