package robot

import (
	"math"
	"time"
)

// Physical head limits in radians. Commands outside them are clamped
// before they reach the daemon.
const (
	MaxHeadRoll  = 0.35
	MaxHeadPitch = 0.52
	MaxHeadYaw   = 0.70
	MaxBodyYaw   = 2.8
	MaxAntenna   = 1.0
)

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Offset is a head orientation (roll, pitch, yaw in radians).
type Offset struct {
	Roll, Pitch, Yaw float64
}

// Deg builds an Offset from degrees.
func Deg(roll, pitch, yaw float64) Offset {
	return Offset{
		Roll:  roll * math.Pi / 180,
		Pitch: pitch * math.Pi / 180,
		Yaw:   yaw * math.Pi / 180,
	}
}

// Clamp returns a new Offset with values clamped to physical head limits.
func (o Offset) Clamp() Offset {
	return Offset{
		Roll:  clamp(o.Roll, -MaxHeadRoll, MaxHeadRoll),
		Pitch: clamp(o.Pitch, -MaxHeadPitch, MaxHeadPitch),
		Yaw:   clamp(o.Yaw, -MaxHeadYaw, MaxHeadYaw),
	}
}

// Target is one goto command. Nil parts are left where they are.
type Target struct {
	Head     *Offset
	Antennas *[2]float64
	BodyYaw  *float64
	Duration time.Duration
}

// Clamp returns a copy of t within the robot's limits.
func (t Target) Clamp() Target {
	out := Target{Duration: t.Duration}
	if t.Head != nil {
		h := t.Head.Clamp()
		out.Head = &h
	}
	if t.Antennas != nil {
		a := [2]float64{
			clamp(t.Antennas[0], -MaxAntenna, MaxAntenna),
			clamp(t.Antennas[1], -MaxAntenna, MaxAntenna),
		}
		out.Antennas = &a
	}
	if t.BodyYaw != nil {
		y := clamp(*t.BodyYaw, -MaxBodyYaw, MaxBodyYaw)
		out.BodyYaw = &y
	}
	return out
}

// HeadAndAntennas is a convenience for the common gesture shape.
func HeadAndAntennas(head Offset, left, right float64, d time.Duration) Target {
	return Target{Head: &head, Antennas: &[2]float64{left, right}, Duration: d}
}

// AntennasOnly moves just the antennas.
func AntennasOnly(left, right float64, d time.Duration) Target {
	return Target{Antennas: &[2]float64{left, right}, Duration: d}
}
