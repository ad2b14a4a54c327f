// Package movement queues expressive robot gestures and runs them one at
// a time, highest priority first.
package movement

import (
	"context"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/robot"
)

// Priority orders queued commands. Lower values run first.
type Priority int

const (
	// High interrupts the running command (safety, user commands).
	High Priority = iota + 1
	// Normal is for emotions and gestures.
	Normal
	// Low is for background behaviours.
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Step is one goto command followed by a hold for its duration.
type Step struct {
	Target robot.Target
}

// Command is a unit of movement work.
type Command struct {
	Name     string
	Priority Priority

	// Interruptible commands are cancelled when a High command arrives.
	Interruptible bool

	// Run performs the movement. It must return promptly once ctx is done.
	Run func(ctx context.Context, m robot.Mover) error

	seq uint64
}

// Steps builds a command that plays steps in order.
func Steps(name string, p Priority, steps []Step) Command {
	return Command{
		Name:          name,
		Priority:      p,
		Interruptible: true,
		Run: func(ctx context.Context, m robot.Mover) error {
			return play(ctx, m, steps)
		},
	}
}

func play(ctx context.Context, m robot.Mover, steps []Step) error {
	for _, s := range steps {
		if err := m.GotoTarget(ctx, s.Target); err != nil {
			return err
		}
		if s.Target.Duration <= 0 {
			continue
		}
		t := time.NewTimer(s.Target.Duration)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
