package audioio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Encoding identifies how samples in a Frame are represented.
type Encoding int

const (
	// Float32 samples are normalized to [-1.0, 1.0].
	Float32 Encoding = iota
	// PCM16 samples are signed 16-bit integers.
	PCM16
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case Float32:
		return "float32"
	case PCM16:
		return "pcm16"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Format describes the native layout of a device or wire stream.
type Format struct {
	SampleRate int      `yaml:"sample_rate" json:"sample_rate"`
	Channels   int      `yaml:"channels" json:"channels"`
	Encoding   Encoding `yaml:"-" json:"encoding"`
}

// String returns a compact description such as "16000Hz/2ch/float32".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// Frame is a block of interleaved audio samples plus its format.
// Exactly one of Samples or PCM is populated, selected by Encoding.
// Frames are treated as immutable once created.
type Frame struct {
	Format

	Samples []float32
	PCM     []int16

	Timestamp time.Time
}

// NewFloatFrame creates a Float32 frame.
func NewFloatFrame(samples []float32, sampleRate, channels int) Frame {
	return Frame{
		Format:    Format{SampleRate: sampleRate, Channels: channels, Encoding: Float32},
		Samples:   samples,
		Timestamp: time.Now(),
	}
}

// NewPCMFrame creates a PCM16 frame.
func NewPCMFrame(pcm []int16, sampleRate, channels int) Frame {
	return Frame{
		Format:    Format{SampleRate: sampleRate, Channels: channels, Encoding: PCM16},
		PCM:       pcm,
		Timestamp: time.Now(),
	}
}

// Len returns the total number of interleaved samples.
func (f Frame) Len() int {
	if f.Encoding == PCM16 {
		return len(f.PCM)
	}
	return len(f.Samples)
}

// Frames returns the number of samples per channel.
func (f Frame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return f.Len() / f.Channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Frames()) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the metadata agrees with the sample buffer.
func (f Frame) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return &FormatError{Reason: fmt.Sprintf("sample rate %d", f.SampleRate)}
	case f.Channels <= 0:
		return &FormatError{Reason: fmt.Sprintf("channel count %d", f.Channels)}
	case f.Encoding != Float32 && f.Encoding != PCM16:
		return &FormatError{Reason: "unknown " + f.Encoding.String()}
	case f.Encoding == Float32 && len(f.PCM) != 0:
		return &FormatError{Reason: "float32 frame carries pcm samples"}
	case f.Encoding == PCM16 && len(f.Samples) != 0:
		return &FormatError{Reason: "pcm16 frame carries float samples"}
	case f.Len()%f.Channels != 0:
		return &FormatError{Reason: fmt.Sprintf("%d samples not divisible by %d channels", f.Len(), f.Channels)}
	}
	return nil
}

// Float returns the samples as normalized floats.
// The returned slice must not be modified when the frame is Float32.
func (f Frame) Float() []float32 {
	if f.Encoding == PCM16 {
		return PCMToFloat(f.PCM)
	}
	return f.Samples
}

// Int16 returns the samples as PCM16.
// The returned slice must not be modified when the frame is PCM16.
func (f Frame) Int16() []int16 {
	if f.Encoding == PCM16 {
		return f.PCM
	}
	return FloatToPCM(f.Samples)
}

// Bytes returns the samples as little-endian PCM16 bytes.
func (f Frame) Bytes() []byte {
	return EncodePCM16(f.Int16())
}

// EncodePCM16 serializes samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodePCM16 parses little-endian 16-bit PCM.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("odd pcm16 byte count %d", len(data))}
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}
