// Package live manages streaming sessions with a real-time conversational
// speech service such as the Gemini Live API.
//
// A Controller owns the lifecycle of at most one active Session. A
// Session exposes a fire-and-forget Send for outbound audio and a single
// Events channel carrying everything the service streams back. Wire
// protocols are plugged in through the Dialer interface; see the gemini
// and genai subpackages.
package live

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
)

// Defaults for Gemini Live sessions.
const (
	DefaultModel            = "gemini-2.0-flash-exp"
	DefaultResponseModality = "AUDIO"
	DefaultInputRate        = 16000
	DefaultOutputRate       = 24000
	DefaultMaxDuration      = 15 * time.Minute
	DefaultConnectTimeout   = 10 * time.Second
	DefaultSendBuffer       = 32
	DefaultEventBuffer      = 64

	DefaultSystemInstruction = "You are Reachy Mini, a friendly desk companion robot. " +
		"You help with tasks, answer questions, and provide companionship. " +
		"Keep your responses natural and conversational. " +
		"Be brief but helpful."

	DefaultGreeting = "Say hello and introduce yourself as Reachy Mini, " +
		"a friendly desk companion. Keep it brief."
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies an inbound event.
type EventKind int

const (
	// EventAudio carries a chunk of response audio.
	EventAudio EventKind = iota
	// EventInterrupted means the user started speaking over the response.
	EventInterrupted
	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete
	// EventGoAway announces that the server will end the session soon.
	EventGoAway
	// EventError reports a service or transport error.
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventGoAway:
		return "go_away"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a session's inbound stream.
type Event struct {
	Kind EventKind

	// Audio is little-endian PCM16 mono for EventAudio.
	Audio []byte
	// SampleRate of Audio, parsed from the MIME type.
	SampleRate int

	// TimeLeft is the grace period announced by EventGoAway.
	TimeLeft time.Duration

	// Err and Fatal describe EventError.
	Err   error
	Fatal bool
}

// Frame decodes an audio event into a PCM16 mono frame.
func (e Event) Frame() (audioio.Frame, error) {
	if e.Kind != EventAudio {
		return audioio.Frame{}, fmt.Errorf("live: %s event carries no audio", e.Kind)
	}
	pcm, err := audioio.DecodePCM16(e.Audio)
	if err != nil {
		return audioio.Frame{}, err
	}
	rate := e.SampleRate
	if rate == 0 {
		rate = DefaultOutputRate
	}
	return audioio.NewPCMFrame(pcm, rate, 1), nil
}

// Credentials authenticate a session. APIKey takes precedence; otherwise
// TokenSource supplies OAuth2 bearer tokens.
type Credentials struct {
	APIKey      string
	TokenSource oauth2.TokenSource
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.TokenSource == nil
}

// Config describes the session to open.
type Config struct {
	Model             string
	ResponseModality  string
	SystemInstruction string

	// MaxDuration is the service's session limit. Zero means unlimited.
	MaxDuration time.Duration

	ConnectTimeout time.Duration
	SendBuffer     int
	EventBuffer    int
}

// DefaultConfig returns the Gemini Live defaults.
func DefaultConfig() Config {
	return Config{
		Model:             DefaultModel,
		ResponseModality:  DefaultResponseModality,
		SystemInstruction: DefaultSystemInstruction,
		MaxDuration:       DefaultMaxDuration,
		ConnectTimeout:    DefaultConnectTimeout,
		SendBuffer:        DefaultSendBuffer,
		EventBuffer:       DefaultEventBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ResponseModality == "" {
		c.ResponseModality = DefaultResponseModality
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Conn is one wire connection to the service.
type Conn interface {
	// SendAudio writes a realtime audio chunk.
	SendAudio(ctx context.Context, pcm []byte, mimeType string) error

	// SendText writes a complete user text turn.
	SendText(ctx context.Context, text string) error

	// Recv blocks for the next event. It returns io.EOF when the remote
	// side closes the stream normally.
	Recv(ctx context.Context) (Event, error)

	// Close releases the connection. It unblocks a pending Recv.
	Close() error
}

// Dialer opens wire connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, cfg Config) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, creds Credentials, cfg Config) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, creds Credentials, cfg Config) (Conn, error) {
	return f(ctx, creds, cfg)
}

// PCMMimeType returns the MIME type for PCM16 audio at rate.
func PCMMimeType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when none is present.
func ParseRate(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}
