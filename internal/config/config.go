// Package config loads reachy-companion configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/conversation"
	"github.com/teslashibe/reachy-companion/pkg/live"
)

// Live service backends.
const (
	BackendGemini = "gemini"
	BackendGenAI  = "genai"
)

// Authentication modes for the gemini backend.
const (
	AuthAPIKey = "api_key"
	AuthADC    = "adc"
)

// Config is the complete companion configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Live         LiveConfig         `yaml:"live"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Robot        RobotConfig        `yaml:"robot"`
	Status       StatusConfig       `yaml:"status"`
}

// LiveConfig selects and configures the live service.
type LiveConfig struct {
	// Backend is "gemini" (native WebSocket) or "genai" (Go SDK).
	Backend string `yaml:"backend"`

	// Auth is "api_key" or "adc" (Application Default Credentials).
	Auth   string `yaml:"auth"`
	APIKey string `yaml:"api_key"`

	// URL overrides the gemini backend endpoint.
	URL string `yaml:"url"`

	Model             string        `yaml:"model"`
	ResponseModality  string        `yaml:"response_modality"`
	SystemInstruction string        `yaml:"system_instruction"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// AudioConfig holds the device and wire formats.
type AudioConfig struct {
	Input          audioio.Config `yaml:"input"`
	Output         audioio.Config `yaml:"output"`
	WireInputRate  int            `yaml:"wire_input_rate"`
	WireOutputRate int            `yaml:"wire_output_rate"`
}

// ConversationConfig tunes the pipeline.
type ConversationConfig struct {
	OutboundQueue     int           `yaml:"outbound_queue"`
	InboundQueue      int           `yaml:"inbound_queue"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	SendRetries       int           `yaml:"send_retries"`
	SendBackoff       time.Duration `yaml:"send_backoff"`
	MaxDeviceErrors   int           `yaml:"max_device_errors"`
	AutoReconnect     *bool         `yaml:"auto_reconnect"`
	ReconnectMargin   time.Duration `yaml:"reconnect_margin"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	Greeting          *string       `yaml:"greeting"`
}

// RobotConfig locates the robot daemon.
type RobotConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Movement bool   `yaml:"movement"`
}

// StatusConfig configures the status server. An empty Addr disables it.
type StatusConfig struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return Finish(cfg)
}

// Finish applies environment overrides and defaults to cfg, then
// validates it.
func Finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Live.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Live.Model = v
	}
	if v := os.Getenv("GEMINI_BACKEND"); v != "" {
		c.Live.Backend = v
	}
	if v, err := strconv.ParseBool(os.Getenv("VERBOSE")); err == nil && v {
		c.LogLevel = "debug"
	}
	c.Robot.IP = RobotIP(c.Robot.IP)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	l := &c.Live
	if l.Backend == "" {
		l.Backend = BackendGemini
	}
	if l.Auth == "" {
		l.Auth = AuthAPIKey
	}
	if l.Model == "" {
		l.Model = live.DefaultModel
	}
	if l.ResponseModality == "" {
		l.ResponseModality = live.DefaultResponseModality
	}
	if l.SystemInstruction == "" {
		l.SystemInstruction = live.DefaultSystemInstruction
	}
	if l.MaxDuration == 0 {
		l.MaxDuration = live.DefaultMaxDuration
	}
	if l.ConnectTimeout == 0 {
		l.ConnectTimeout = live.DefaultConnectTimeout
	}

	if c.Robot.IP == "" {
		c.Robot.IP = DefaultRobotIP
	}
	if c.Robot.Port == 0 {
		c.Robot.Port = DefaultRobotPort
	}

	a := &c.Audio
	fillAudio(&a.Input, audioio.DefaultInputConfig())
	fillAudio(&a.Output, audioio.DefaultOutputConfig())
	if a.Input.Backend == audioio.BackendWebRTC && a.Input.Device == "" {
		a.Input.Device = SignallingURL(c.Robot.IP, audioio.DefaultSignallingPort)
	}
	if a.Output.Backend == audioio.BackendRTP && a.Output.Device == "" {
		a.Output.Device = audioio.DefaultRTPAddress
	}
	if a.WireInputRate == 0 {
		a.WireInputRate = live.DefaultInputRate
	}
	if a.WireOutputRate == 0 {
		a.WireOutputRate = live.DefaultOutputRate
	}

	d := conversation.DefaultConfig()
	v := &c.Conversation
	if v.OutboundQueue == 0 {
		v.OutboundQueue = d.OutboundQueueSize
	}
	if v.InboundQueue == 0 {
		v.InboundQueue = d.InboundQueueSize
	}
	if v.PollInterval == 0 {
		v.PollInterval = d.PollInterval
	}
	if v.StopTimeout == 0 {
		v.StopTimeout = d.StopTimeout
	}
	if v.SendRetries == 0 {
		v.SendRetries = d.SendRetries
	}
	if v.SendBackoff == 0 {
		v.SendBackoff = d.SendBackoff
	}
	if v.MaxDeviceErrors == 0 {
		v.MaxDeviceErrors = d.MaxDeviceErrors
	}
	if v.AutoReconnect == nil {
		on := d.AutoReconnect
		v.AutoReconnect = &on
	}
	if v.ReconnectMargin == 0 {
		v.ReconnectMargin = d.ReconnectMargin
	}
	if v.ReconnectAttempts == 0 {
		v.ReconnectAttempts = d.ReconnectAttempts
	}
	if v.Greeting == nil {
		greeting := live.DefaultGreeting
		v.Greeting = &greeting
	}

	if c.Status.Interval == 0 {
		c.Status.Interval = time.Second
	}
}

func fillAudio(c *audioio.Config, d audioio.Config) {
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.BufferDuration == 0 {
		c.BufferDuration = d.BufferDuration
	}
	if c.ProducerName == "" {
		c.ProducerName = d.ProducerName
	}
}

// Validate checks that the configuration is coherent. It returns a joined
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}

	switch c.Live.Backend {
	case BackendGemini, BackendGenAI:
	default:
		errs = append(errs, fmt.Errorf("live.backend %q is invalid; valid values: gemini, genai", c.Live.Backend))
	}
	switch c.Live.Auth {
	case AuthAPIKey:
		if c.Live.APIKey == "" {
			errs = append(errs, errors.New("live.api_key is required (set GEMINI_API_KEY)"))
		}
	case AuthADC:
		if c.Live.Backend == BackendGenAI {
			errs = append(errs, errors.New("live.auth adc is only supported by the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("live.auth %q is invalid; valid values: api_key, adc", c.Live.Auth))
	}
	if c.Live.MaxDuration < 0 {
		errs = append(errs, errors.New("live.max_duration must not be negative"))
	}
	if c.Live.MaxDuration > 0 && c.Conversation.ReconnectMargin >= c.Live.MaxDuration {
		errs = append(errs, fmt.Errorf("conversation.reconnect_margin %v must be shorter than live.max_duration %v",
			c.Conversation.ReconnectMargin, c.Live.MaxDuration))
	}

	if err := c.Audio.Input.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio.input: %w", err))
	}
	if err := c.Audio.Output.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio.output: %w", err))
	}
	if c.Audio.Input.Backend == audioio.BackendRTP {
		errs = append(errs, errors.New("audio.input.backend rtp is output only"))
	}
	if c.Audio.Output.Backend == audioio.BackendWebRTC {
		errs = append(errs, errors.New("audio.output.backend webrtc is input only"))
	}

	if c.Robot.Port <= 0 || c.Robot.Port > 65535 {
		errs = append(errs, fmt.Errorf("robot.port %d is out of range", c.Robot.Port))
	}

	if err := c.ConversationOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LiveSession returns the session configuration for the live package.
func (c *Config) LiveSession() live.Config {
	cfg := live.DefaultConfig()
	cfg.Model = c.Live.Model
	cfg.ResponseModality = c.Live.ResponseModality
	cfg.SystemInstruction = c.Live.SystemInstruction
	cfg.MaxDuration = c.Live.MaxDuration
	cfg.ConnectTimeout = c.Live.ConnectTimeout
	return cfg
}

// ConversationOptions returns the pipeline configuration. Logger,
// metrics and notifier are left for the caller.
func (c *Config) ConversationOptions() *conversation.Config {
	cfg := conversation.DefaultConfig()
	v := c.Conversation
	cfg.WireInputRate = c.Audio.WireInputRate
	cfg.WireOutputRate = c.Audio.WireOutputRate
	cfg.OutboundQueueSize = v.OutboundQueue
	cfg.InboundQueueSize = v.InboundQueue
	cfg.PollInterval = v.PollInterval
	cfg.StopTimeout = v.StopTimeout
	cfg.SendRetries = v.SendRetries
	cfg.SendBackoff = v.SendBackoff
	cfg.MaxDeviceErrors = v.MaxDeviceErrors
	if v.AutoReconnect != nil {
		cfg.AutoReconnect = *v.AutoReconnect
	}
	cfg.ReconnectMargin = v.ReconnectMargin
	cfg.ReconnectAttempts = v.ReconnectAttempts
	if v.Greeting != nil {
		cfg.Greeting = *v.Greeting
	}
	return cfg
}

// String renders the configuration with the API key masked.
func (c Config) String() string {
	c.Live.APIKey = MaskKey(c.Live.APIKey)
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

// MaskKey keeps the last four characters of a secret.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
