package conversation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/teslashibe/reachy-companion/internal/observe"
)

// Stats collects pipeline counters. All methods are safe for concurrent
// use; counters only increase.
type Stats struct {
	captured      atomic.Uint64
	sent          atomic.Uint64
	received      atomic.Uint64
	played        atomic.Uint64
	dropped       atomic.Uint64
	flushed       atomic.Uint64
	interruptions atomic.Uint64
	turns         atomic.Uint64
	errors        atomic.Uint64
	reconnects    atomic.Uint64
	malformed     atomic.Uint64

	started atomic.Int64 // unix nanos
	ended   atomic.Int64

	metrics *observe.Metrics
}

// NewStats creates a collector. m may be nil.
func NewStats(m *observe.Metrics) *Stats {
	return &Stats{metrics: m}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesCaptured uint64 `json:"frames_captured"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	FramesPlayed   uint64 `json:"frames_played"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesFlushed  uint64 `json:"frames_flushed"`
	Interruptions  uint64 `json:"interruptions"`
	TurnsCompleted uint64 `json:"turns_completed"`
	Errors         uint64 `json:"errors"`
	Reconnects     uint64 `json:"reconnects"`
	Malformed      uint64 `json:"malformed"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`

	// InputRate and OutputRate are chunks per second sent and received.
	InputRate  float64 `json:"input_rate"`
	OutputRate float64 `json:"output_rate"`
}

// String renders the session summary.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"duration=%.1fs sent=%d received=%d played=%d dropped=%d flushed=%d "+
			"interruptions=%d turns=%d errors=%d reconnects=%d input=%.1f/s output=%.1f/s",
		s.Duration.Seconds(), s.FramesSent, s.FramesReceived, s.FramesPlayed,
		s.FramesDropped, s.FramesFlushed, s.Interruptions, s.TurnsCompleted,
		s.Errors, s.Reconnects, s.InputRate, s.OutputRate)
}

// Start resets the session clock to t.
func (s *Stats) Start(t time.Time) {
	s.started.Store(t.UnixNano())
	s.ended.Store(0)
}

// End freezes the session duration at t.
func (s *Stats) End(t time.Time) {
	s.ended.CompareAndSwap(0, t.UnixNano())
}

func (s *Stats) frames(stage string, n uint64) {
	if s.metrics != nil && n > 0 {
		s.metrics.RecordFrames(context.Background(), stage, int64(n))
	}
}

// FrameCaptured counts a frame read from the input device.
func (s *Stats) FrameCaptured() {
	s.captured.Add(1)
	s.frames(observe.StageCaptured, 1)
}

// FrameSent counts a frame handed to the session.
func (s *Stats) FrameSent() uint64 {
	n := s.sent.Add(1)
	s.frames(observe.StageSent, 1)
	return n
}

// FrameReceived counts a response frame queued for playback.
func (s *Stats) FrameReceived() {
	s.received.Add(1)
	s.frames(observe.StageReceived, 1)
}

// FramePlayed counts a frame written to the output device.
func (s *Stats) FramePlayed() {
	s.played.Add(1)
	s.frames(observe.StagePlayed, 1)
}

// FramesDropped counts frames lost to queue overflow.
func (s *Stats) FramesDropped(n uint64) {
	s.dropped.Add(n)
	s.frames(observe.StageDropped, n)
}

// FramesFlushed counts frames discarded by an interruption.
func (s *Stats) FramesFlushed(n uint64) {
	s.flushed.Add(n)
	s.frames(observe.StageFlushed, n)
}

// Interruption counts a barge-in.
func (s *Stats) Interruption() {
	s.interruptions.Add(1)
	if s.metrics != nil {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
}

// TurnCompleted counts a finished model turn.
func (s *Stats) TurnCompleted() {
	s.turns.Add(1)
	if s.metrics != nil {
		s.metrics.Turns.Add(context.Background(), 1)
	}
}

// Error counts an error seen by task.
func (s *Stats) Error(task string) {
	s.errors.Add(1)
	if s.metrics != nil {
		s.metrics.RecordError(context.Background(), task)
	}
}

// Malformed counts a response chunk that could not be decoded.
func (s *Stats) Malformed() {
	s.malformed.Add(1)
	s.frames(observe.StageMalformed, 1)
}

// Reconnect counts a session replacement.
func (s *Stats) Reconnect() {
	s.reconnects.Add(1)
	if s.metrics != nil {
		s.metrics.Reconnects.Add(context.Background(), 1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		FramesCaptured: s.captured.Load(),
		FramesSent:     s.sent.Load(),
		FramesReceived: s.received.Load(),
		FramesPlayed:   s.played.Load(),
		FramesDropped:  s.dropped.Load(),
		FramesFlushed:  s.flushed.Load(),
		Interruptions:  s.interruptions.Load(),
		TurnsCompleted: s.turns.Load(),
		Errors:         s.errors.Load(),
		Reconnects:     s.reconnects.Load(),
		Malformed:      s.malformed.Load(),
	}

	start := s.started.Load()
	if start == 0 {
		return snap
	}
	snap.StartedAt = time.Unix(0, start)
	end := s.ended.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	snap.Duration = time.Duration(end - start)
	if secs := snap.Duration.Seconds(); secs > 0 {
		snap.InputRate = float64(snap.FramesSent) / secs
		snap.OutputRate = float64(snap.FramesReceived) / secs
	}
	return snap
}
