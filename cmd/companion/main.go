// Companion runs a live voice conversation on a Reachy Mini: microphone
// audio streams to Gemini Live and the spoken response plays through
// the robot's speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/teslashibe/reachy-companion/internal/config"
	"github.com/teslashibe/reachy-companion/internal/log"
	"github.com/teslashibe/reachy-companion/internal/observe"
	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/conversation"
	"github.com/teslashibe/reachy-companion/pkg/live"
	"github.com/teslashibe/reachy-companion/pkg/live/gemini"
	"github.com/teslashibe/reachy-companion/pkg/live/genailive"
	"github.com/teslashibe/reachy-companion/pkg/movement"
	"github.com/teslashibe/reachy-companion/pkg/robot"
	"github.com/teslashibe/reachy-companion/pkg/status"
)

// Scopes requested for Application Default Credentials.
var adcScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/generative-language",
}

type flags struct {
	configPath string
	duration   time.Duration
	greeting   string
	statusAddr string
	printCfg   bool
}

func main() {
	f := parseFlags()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	log.Init(cfg.LogLevel)
	if f.printCfg {
		fmt.Print(cfg.String())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, f.duration); err != nil {
		log.Error("companion failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	flag.DurationVar(&f.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.StringVar(&f.greeting, "greeting", "", "Text sent to the model when the conversation starts")
	flag.StringVar(&f.statusAddr, "status", "", "Status server address, e.g. :9090 (overrides config)")
	flag.BoolVar(&f.printCfg, "print-config", false, "Print the effective configuration and exit")
	flag.Parse()
	return f
}

// loadConfig reads the file, if any, and applies flag overrides.
func loadConfig(f flags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.Finish(&config.Config{})
	}
	if err != nil {
		return nil, err
	}
	if f.greeting != "" {
		cfg.Conversation.Greeting = &f.greeting
	}
	if f.statusAddr != "" {
		cfg.Status.Addr = f.statusAddr
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, duration time.Duration) error {
	logger := log.L()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "reachy-companion"})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	in, err := audioio.NewInput(cfg.Audio.Input, logger)
	if err != nil {
		return err
	}
	out, err := audioio.NewOutput(cfg.Audio.Output, logger)
	if err != nil {
		return err
	}

	creds, err := credentials(ctx, cfg.Live)
	if err != nil {
		return err
	}
	dialer, err := newDialer(cfg.Live, logger)
	if err != nil {
		return err
	}
	ctrl := live.NewController(dialer, creds, cfg.LiveSession(), logger)

	opts := []conversation.Option{
		conversation.WithConfig(cfg.ConversationOptions()),
		conversation.WithLogger(logger),
		conversation.WithMetrics(observe.DefaultMetrics()),
	}

	if cfg.Robot.Movement {
		mgr := startMovement(ctx, cfg.Robot, logger)
		defer mgr.Stop()
		opts = append(opts, conversation.WithNotifier(movement.NewNotifier(mgr)))
	}

	coord, err := conversation.New(ctrl, in, out, opts...)
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		srv := status.NewServer(coord, status.Options{
			Model:    cfg.Live.Model,
			Interval: cfg.Status.Interval,
			Logger:   logger,
		})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Status.Addr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	logger.Info("starting conversation",
		"backend", cfg.Live.Backend,
		"model", cfg.Live.Model,
		"input", in.Name(),
		"output", out.Name(),
		"duration", duration)

	snap, err := coord.Run(ctx, duration)
	fmt.Printf("\nSession summary: %s\n", snap)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// credentials resolves the live service credentials.
func credentials(ctx context.Context, cfg config.LiveConfig) (live.Credentials, error) {
	if cfg.Auth != config.AuthADC {
		return live.Credentials{APIKey: cfg.APIKey}, nil
	}
	ts, err := google.DefaultTokenSource(ctx, adcScopes...)
	if err != nil {
		return live.Credentials{}, fmt.Errorf("application default credentials: %w", err)
	}
	return live.Credentials{TokenSource: ts}, nil
}

// newDialer picks the live backend.
func newDialer(cfg config.LiveConfig, logger *slog.Logger) (live.Dialer, error) {
	switch cfg.Backend {
	case config.BackendGemini, "":
		d := gemini.NewDialer(logger)
		if cfg.URL != "" {
			d.URL = cfg.URL
		}
		return d, nil
	case config.BackendGenAI:
		return genailive.NewDialer(logger), nil
	}
	return nil, fmt.Errorf("unknown live backend %q", cfg.Backend)
}

// startMovement runs the gesture manager against the robot daemon.
func startMovement(ctx context.Context, cfg config.RobotConfig, logger *slog.Logger) *movement.Manager {
	ctrl := robot.NewHTTPController(config.RobotAPIURL(cfg.IP, cfg.Port), nil, logger)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	state, err := ctrl.DaemonStatus(sctx)
	cancel()
	if err != nil {
		logger.Warn("robot daemon unreachable, gestures may fail", "ip", cfg.IP, "error", err)
	} else {
		logger.Info("robot daemon", "ip", cfg.IP, "state", state)
	}

	mgr := movement.NewManager(ctrl, logger)
	mgr.Start(ctx)
	return mgr
}
