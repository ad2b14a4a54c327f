package movement

import (
	"fmt"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/robot"
)

// Emotion names a gesture.
type Emotion string

// Available emotions.
const (
	Happy   Emotion = "happy"
	Sad     Emotion = "sad"
	Excited Emotion = "excited"
	Curious Emotion = "curious"
	Neutral Emotion = "neutral"
)

const ms = time.Millisecond

func pose(roll, pitch, yaw, left, right float64, d time.Duration) Step {
	return Step{Target: robot.HeadAndAntennas(robot.Deg(roll, pitch, yaw), left, right, d)}
}

func antennas(left, right float64, d time.Duration) Step {
	return Step{Target: robot.AntennasOnly(left, right, d)}
}

func repeat(n int, steps ...Step) []Step {
	out := make([]Step, 0, n*len(steps))
	for i := 0; i < n; i++ {
		out = append(out, steps...)
	}
	return out
}

func concat(parts ...[]Step) []Step {
	var out []Step
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var gestures = map[Emotion][]Step{
	// Looking up with antennas raised, then a bounce.
	Happy: concat(
		[]Step{pose(0, 15, 0, 0.8, 0.8, 500*ms)},
		repeat(3, antennas(1, 1, 200*ms), antennas(0.3, 0.3, 200*ms)),
		[]Step{antennas(0.8, 0.8, 300*ms)},
	),

	// Looking down with drooping antennas.
	Sad: {
		pose(0, -20, 0, -0.8, -0.8, 800*ms),
		antennas(0, 0, 300*ms),
		antennas(-0.5, -0.5, 600*ms),
		antennas(-0.8, -0.8, 600*ms),
	},

	// Fast nodding with wiggling antennas.
	Excited: concat(
		repeat(3, pose(0, 10, 0, 1, -1, 200*ms), pose(0, -10, 0, -1, 1, 200*ms)),
		[]Step{pose(0, 0, 0, 0, 0, 300*ms)},
	),

	// Head tilts side to side, then an antenna wave.
	Curious: concat(
		[]Step{
			pose(20, 5, 0, 0.6, -0.3, 600*ms),
			pose(-20, 5, 0, -0.3, 0.6, 600*ms),
			pose(20, 5, 0, 0.6, -0.3, 600*ms),
			pose(0, 0, 0, 0, 0, 500*ms),
		},
		repeat(3, antennas(0.9, -0.5, 150*ms), antennas(-0.5, 0.9, 150*ms)),
		[]Step{antennas(0, 0, 200*ms)},
	),

	Neutral: {pose(0, 0, 0, 0, 0, 500*ms)},
}

// Emotions lists the known emotions.
func Emotions() []Emotion {
	return []Emotion{Happy, Sad, Excited, Curious, Neutral}
}

// Gesture returns the command expressing e.
func Gesture(e Emotion, p Priority) (Command, error) {
	steps, ok := gestures[e]
	if !ok {
		return Command{}, fmt.Errorf("movement: unknown emotion %q", e)
	}
	return Steps("emotion:"+string(e), p, steps), nil
}
