package audioio

import (
	"fmt"
	"log/slog"
)

// NewInput creates a capture device with the given configuration.
func NewInput(cfg Config, logger *slog.Logger) (Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("creating audio input",
		"backend", cfg.Backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	switch cfg.Backend {
	case BackendMock:
		return NewMockInput(cfg, logger), nil
	case BackendWebRTC:
		return NewWebRTCInput(cfg, logger)
	default:
		return nil, fmt.Errorf("input backend %q: %w", cfg.Backend, ErrUnsupportedBackend)
	}
}

// NewOutput creates a playback device with the given configuration.
func NewOutput(cfg Config, logger *slog.Logger) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("creating audio output",
		"backend", cfg.Backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch cfg.Backend {
	case BackendMock:
		return NewMockOutput(cfg, logger), nil
	case BackendRTP:
		return NewRTPOutput(cfg, logger)
	default:
		return nil, fmt.Errorf("output backend %q: %w", cfg.Backend, ErrUnsupportedBackend)
	}
}
