package audioio

import (
	"fmt"
	"math"
)

// PCM quantization scale. Positive full scale saturates at 32767.
const pcmScale = 32768.0

// FloatToPCM quantizes normalized samples to PCM16.
// Inputs are clamped to [-1.0, 1.0] first so nothing wraps around.
func FloatToPCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		x := float64(v)
		switch {
		case math.IsNaN(x):
			x = 0
		case x > 1:
			x = 1
		case x < -1:
			x = -1
		}
		s := math.Round(x * pcmScale)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		}
		out[i] = int16(s)
	}
	return out
}

// PCMToFloat converts PCM16 samples to floats in [-1.0, 1.0).
func PCMToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// ToMono averages all channels of f into a single channel.
// Mono frames are returned unchanged.
func ToMono(f Frame) Frame {
	if f.Channels <= 1 {
		return f
	}
	ch := f.Channels
	n := f.Frames()
	out := f
	out.Channels = 1

	if f.Encoding == PCM16 {
		pcm := make([]int16, n)
		for i := 0; i < n; i++ {
			var sum int32
			for c := 0; c < ch; c++ {
				sum += int32(f.PCM[i*ch+c])
			}
			pcm[i] = int16(sum / int32(ch))
		}
		out.PCM = pcm
		return out
	}

	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += f.Samples[i*ch+c]
		}
		samples[i] = sum / float32(ch)
	}
	out.Samples = samples
	return out
}

// ToStereo duplicates a mono channel into two identical channels.
// Stereo frames are returned unchanged; wider frames are downmixed first.
func ToStereo(f Frame) Frame {
	return toChannels(f, 2)
}

func toChannels(f Frame, channels int) Frame {
	if f.Channels == channels {
		return f
	}
	if channels == 1 {
		return ToMono(f)
	}
	if f.Channels != 1 {
		f = ToMono(f)
	}

	n := f.Frames()
	out := f
	out.Channels = channels
	if f.Encoding == PCM16 {
		pcm := make([]int16, n*channels)
		for i, s := range f.PCM {
			for c := 0; c < channels; c++ {
				pcm[i*channels+c] = s
			}
		}
		out.PCM = pcm
		return out
	}

	samples := make([]float32, n*channels)
	for i, s := range f.Samples {
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = s
		}
	}
	out.Samples = samples
	return out
}

// ConversionSpec is the resolved conversion for one pipeline direction.
type ConversionSpec struct {
	SrcRate     int
	DstRate     int
	SrcChannels int
	DstChannels int
	DstEncoding Encoding
}

// Spec builds the conversion from one format to another.
func Spec(src, dst Format) ConversionSpec {
	return ConversionSpec{
		SrcRate:     src.SampleRate,
		DstRate:     dst.SampleRate,
		SrcChannels: src.Channels,
		DstChannels: dst.Channels,
		DstEncoding: dst.Encoding,
	}
}

// String returns a description like "24000Hz/1ch -> 48000Hz/2ch/float32".
func (s ConversionSpec) String() string {
	return fmt.Sprintf("%dHz/%dch -> %dHz/%dch/%s",
		s.SrcRate, s.SrcChannels, s.DstRate, s.DstChannels, s.DstEncoding)
}

// Converter applies a ConversionSpec to a stream of frames.
// It keeps resampler phase between calls, so one Converter serves
// exactly one stream and is not safe for concurrent use.
type Converter struct {
	spec      ConversionSpec
	resampler *Resampler
}

// NewConverter validates spec and prepares its resampler.
func NewConverter(spec ConversionSpec) (*Converter, error) {
	if spec.SrcChannels <= 0 || spec.DstChannels <= 0 {
		return nil, fmt.Errorf("audioio: invalid channel counts in %s", spec)
	}
	rs, err := NewResampler(spec.SrcRate, spec.DstRate, spec.DstChannels)
	if err != nil {
		return nil, err
	}
	return &Converter{spec: spec, resampler: rs}, nil
}

// Spec returns the conversion this converter applies.
func (c *Converter) Spec() ConversionSpec {
	return c.spec
}

// Convert mixes channels, resamples and re-encodes f.
// Frames whose sample rate differs from the source format are rejected.
// Frames with a different channel count are mixed from their actual layout.
func (c *Converter) Convert(f Frame) (Frame, error) {
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	if f.SampleRate != c.spec.SrcRate {
		return Frame{}, &FormatError{Reason: fmt.Sprintf("sample rate %d, expected %d", f.SampleRate, c.spec.SrcRate)}
	}

	floatFrame := NewFloatFrame(f.Float(), f.SampleRate, f.Channels)
	floatFrame = toChannels(floatFrame, c.spec.DstChannels)

	samples := c.resampler.Process(floatFrame.Samples)

	out := Frame{
		Format: Format{
			SampleRate: c.spec.DstRate,
			Channels:   c.spec.DstChannels,
			Encoding:   c.spec.DstEncoding,
		},
		Timestamp: f.Timestamp,
	}
	if c.spec.DstEncoding == PCM16 {
		out.PCM = FloatToPCM(samples)
	} else {
		out.Samples = samples
	}
	return out, nil
}

// Reset clears the resampler phase, e.g. after an interruption.
func (c *Converter) Reset() {
	c.resampler.Reset()
}
