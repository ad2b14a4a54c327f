// Package audioio provides the robot's audio capture and playback devices
// and the conversions between device formats and the wire format.
//
// Backends:
//   - Mock   - CI/Testing without hardware
//   - WebRTC - robot microphone streamed from the robot's WebRTC producer
//   - RTP    - robot speaker fed with Opus over RTP on UDP
//
// Conversions (channel mixing, exact-ratio resampling and PCM quantization)
// live in convert.go and resample.go.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendMock uses a synthetic device for testing.
	BackendMock Backend = "mock"
	// BackendWebRTC receives the robot microphone over WebRTC.
	BackendWebRTC Backend = "webrtc"
	// BackendRTP sends Opus over RTP to the robot speaker pipeline.
	BackendRTP Backend = "rtp"
)

// Default robot endpoints.
const (
	DefaultSignallingPort = 8443
	DefaultProducerName   = "reachymini"
	DefaultRTPAddress     = "127.0.0.1:5000"
	DefaultRTPPayloadType = 96
)

// Config holds audio device configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the native sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the native channel count.
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the length of one captured or played frame.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the backend-specific endpoint:
	//   - WebRTC: signalling URL, e.g. ws://192.168.68.80:8443
	//   - RTP: UDP destination, e.g. 127.0.0.1:5000
	//   - Mock: ignored
	Device string `yaml:"device" json:"device"`

	// ProducerName selects the WebRTC producer to subscribe to.
	ProducerName string `yaml:"producer_name" json:"producer_name"`

	// Paced makes the mock output block for the real duration of each frame.
	Paced bool `yaml:"paced" json:"paced"`
}

// DefaultInputConfig matches the robot microphone: 16 kHz stereo.
func DefaultInputConfig() Config {
	return Config{
		Backend:        BackendMock,
		SampleRate:     16000,
		Channels:       2,
		BufferDuration: 20 * time.Millisecond,
		ProducerName:   DefaultProducerName,
	}
}

// DefaultOutputConfig matches the robot speaker: 48 kHz stereo.
func DefaultOutputConfig() Config {
	return Config{
		Backend:        BackendMock,
		SampleRate:     48000,
		Channels:       2,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMock, BackendWebRTC, BackendRTP:
	default:
		return fmt.Errorf("backend %q: %w", c.Backend, ErrUnsupportedBackend)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of samples per channel in one buffer.
func (c *Config) BufferSize() int {
	return int(int64(c.SampleRate) * int64(c.BufferDuration) / int64(time.Second))
}

// Format returns the float format the mock devices produce and accept.
func (c *Config) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels, Encoding: Float32}
}
