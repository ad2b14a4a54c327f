package conversation

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/reachy-companion/internal/observe"
	"github.com/teslashibe/reachy-companion/pkg/live"
)

// Config holds configuration for a conversation.
type Config struct {
	// WireInputRate is the sample rate of audio sent to the service.
	WireInputRate int

	// WireOutputRate is the expected rate of response audio. The rate
	// carried by each chunk takes precedence.
	WireOutputRate int

	// OutboundQueueSize bounds captured frames waiting to be sent.
	OutboundQueueSize int

	// InboundQueueSize bounds response frames waiting to be played.
	InboundQueueSize int

	// PollInterval is the device and queue wait granularity. It bounds
	// how long a task takes to notice cancellation.
	PollInterval time.Duration

	// StopTimeout bounds how long Stop waits for the tasks.
	StopTimeout time.Duration

	// SendRetries is the number of retries for a transient send failure.
	SendRetries int

	// SendBackoff is the first retry delay; it doubles per attempt.
	SendBackoff time.Duration

	// MaxDeviceErrors is the number of consecutive device errors after
	// which capture or playback gives up.
	MaxDeviceErrors int

	// AutoReconnect replaces the session before it expires and after it
	// is lost. When false, expiry ends the conversation.
	AutoReconnect bool

	// ReconnectMargin is how long before expiry to reconnect.
	ReconnectMargin time.Duration

	// ReconnectAttempts bounds consecutive failed reconnects.
	ReconnectAttempts int

	// ReconnectBackoff is the first delay between reconnect attempts.
	ReconnectBackoff time.Duration

	// Greeting is sent as a user text turn right after connecting.
	// Empty means wait for the user to speak first.
	Greeting string

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Metrics mirrors statistics into OpenTelemetry when set.
	Metrics *observe.Metrics

	// Notifier receives listening, speaking and idle tags. Optional.
	Notifier Notifier
}

// DefaultConfig returns a Config with defaults for Gemini Live.
func DefaultConfig() *Config {
	return &Config{
		WireInputRate:     live.DefaultInputRate,
		WireOutputRate:    live.DefaultOutputRate,
		OutboundQueueSize: 5,
		InboundQueueSize:  64,
		PollInterval:      10 * time.Millisecond,
		StopTimeout:       200 * time.Millisecond,
		SendRetries:       3,
		SendBackoff:       20 * time.Millisecond,
		MaxDeviceErrors:   50,
		AutoReconnect:     true,
		ReconnectMargin:   30 * time.Second,
		ReconnectAttempts: 5,
		ReconnectBackoff:  500 * time.Millisecond,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.WireInputRate <= 0 || c.WireOutputRate <= 0 {
		errs = append(errs, errors.New("conversation: wire sample rates must be positive"))
	}
	if c.OutboundQueueSize <= 0 || c.InboundQueueSize <= 0 {
		errs = append(errs, errors.New("conversation: queue sizes must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("conversation: poll interval must be positive"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("conversation: stop timeout must be positive"))
	}
	if c.SendRetries < 0 {
		errs = append(errs, errors.New("conversation: send retries must not be negative"))
	}
	if c.MaxDeviceErrors <= 0 {
		errs = append(errs, errors.New("conversation: max device errors must be positive"))
	}
	if c.ReconnectAttempts <= 0 {
		errs = append(errs, errors.New("conversation: reconnect attempts must be positive"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Config)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics mirrors statistics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithGreeting sets the initial user text turn.
func WithGreeting(text string) Option {
	return func(c *Config) {
		c.Greeting = text
	}
}

// WithQueueSizes sets the outbound and inbound queue capacities.
func WithQueueSizes(outbound, inbound int) Option {
	return func(c *Config) {
		c.OutboundQueueSize = outbound
		c.InboundQueueSize = inbound
	}
}

// WithStopTimeout sets the stop bound.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StopTimeout = d
	}
}

// WithSendRetry configures transient send retries.
func WithSendRetry(retries int, backoff time.Duration) Option {
	return func(c *Config) {
		c.SendRetries = retries
		c.SendBackoff = backoff
	}
}

// WithReconnect configures session replacement.
func WithReconnect(enabled bool, margin time.Duration) Option {
	return func(c *Config) {
		c.AutoReconnect = enabled
		c.ReconnectMargin = margin
	}
}

// WithReconnectAttempts bounds consecutive reconnect failures.
func WithReconnectAttempts(attempts int, backoff time.Duration) Option {
	return func(c *Config) {
		c.ReconnectAttempts = attempts
		c.ReconnectBackoff = backoff
	}
}

// WithNotifier sets the state change sink.
func WithNotifier(n Notifier) Option {
	return func(c *Config) {
		c.Notifier = n
	}
}

// WithConfig replaces every setting with a copy of base. Options after
// it still apply.
func WithConfig(base *Config) Option {
	return func(c *Config) {
		*c = *base
	}
}
