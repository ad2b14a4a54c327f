package audioio

import (
	"fmt"
	"math"
)

// Resampler converts interleaved float audio between two sample rates
// with linear interpolation. The rate ratio is kept as an exact reduced
// fraction, and the phase plus the last input sample carry over between
// calls, so a stream split into many chunks produces the same output as
// one long chunk and never drifts.
//
// After N input samples per channel have been processed, exactly
// round(N * dst / src) output samples per channel have been produced.
type Resampler struct {
	srcRate  int
	dstRate  int
	up       int64 // dst / gcd
	down     int64 // src / gcd
	channels int

	consumed int64
	produced int64
	prev     []float32
	primed   bool
}

// NewResampler creates a resampler for the given rates and channel count.
func NewResampler(srcRate, dstRate, channels int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audioio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audioio: invalid channel count %d", channels)
	}
	g := gcd(int64(srcRate), int64(dstRate))
	return &Resampler{
		srcRate:  srcRate,
		dstRate:  dstRate,
		up:       int64(dstRate) / g,
		down:     int64(srcRate) / g,
		channels: channels,
		prev:     make([]float32, channels),
	}, nil
}

// Ratio returns the reduced src:dst ratio, e.g. 3, 2 for 24000 -> 16000.
func (r *Resampler) Ratio() (src, dst int) {
	return int(r.down), int(r.up)
}

// Process resamples one chunk of interleaved samples.
// When the rates match the input is returned as is.
func (r *Resampler) Process(in []float32) []float32 {
	if r.up == r.down {
		return in
	}
	n := int64(len(in) / r.channels)
	if n == 0 {
		return nil
	}

	total := r.consumed + n
	target := (2*total*r.up + r.down) / (2 * r.down)
	count := target - r.produced
	out := make([]float32, count*int64(r.channels))

	// Output k (1-based, global) sits at input position
	// ((2k-1)*down - 2*up) / (2*up), i.e. half-sample aligned and one
	// sample behind so that every position is covered by known input.
	span := 2 * r.up
	for j := int64(0); j < count; j++ {
		k := r.produced + j + 1
		num := (2*k-1)*r.down - span
		i := floorDiv(num, span)
		frac := float64(num-i*span) / float64(span)
		local := i - r.consumed

		for c := 0; c < r.channels; c++ {
			a := float64(r.at(in, local, c, n))
			b := float64(r.at(in, local+1, c, n))
			out[j*int64(r.channels)+int64(c)] = float32(a + (b-a)*frac)
		}
	}

	copy(r.prev, in[(n-1)*int64(r.channels):n*int64(r.channels)])
	r.primed = true
	r.consumed = total
	r.produced = target
	return out
}

// at returns channel c of input frame idx, where -1 is the last frame of
// the previous chunk.
func (r *Resampler) at(in []float32, idx int64, c int, n int64) float32 {
	switch {
	case idx < 0:
		if r.primed {
			return r.prev[c]
		}
		return in[c]
	case idx >= n:
		return in[(n-1)*int64(r.channels)+int64(c)]
	default:
		return in[idx*int64(r.channels)+int64(c)]
	}
}

// Reset discards carried phase and history.
func (r *Resampler) Reset() {
	r.consumed = 0
	r.produced = 0
	r.primed = false
	for i := range r.prev {
		r.prev[i] = 0
	}
}

// OutputLen returns how many samples per channel the next Process call
// would emit for n input samples per channel.
func (r *Resampler) OutputLen(n int) int {
	if r.up == r.down {
		return n
	}
	total := r.consumed + int64(n)
	return int((2*total*r.up+r.down)/(2*r.down) - r.produced)
}

// CalculateRMS returns the root mean square level of samples.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
