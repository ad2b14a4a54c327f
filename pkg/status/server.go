// Package status serves a monitoring endpoint for a running companion:
// health, a JSON status snapshot, Prometheus metrics and a WebSocket
// stream of status updates.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/reachy-companion/pkg/conversation"
	"github.com/teslashibe/reachy-companion/pkg/hub"
)

// Source reports the current conversation status.
type Source interface {
	Status() conversation.Status
}

// Report is the body of /api/status and each /ws/status message.
type Report struct {
	conversation.Status
	Model string    `json:"model,omitempty"`
	Time  time.Time `json:"time"`
}

// Options configures a Server.
type Options struct {
	// Model is reported alongside the status.
	Model string

	// Interval between WebSocket status pushes. Defaults to one second.
	Interval time.Duration

	// Metrics serves /metrics. Defaults to the Prometheus default
	// registry, which is where the OTel exporter registers.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	app      *fiber.App
	source   Source
	hub      *hub.Hub
	model    string
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a status server for src.
func NewServer(src Source, opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		source:   src,
		hub:      hub.New("status", opts.Logger),
		model:    opts.Model,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "status"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Reachy Companion",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the status broadcast hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Report returns the current status report.
func (s *Server) Report() Report {
	return Report{
		Status: s.source.Status(),
		Model:  s.model,
		Time:   time.Now().UTC(),
	}
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	go s.broadcast(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()

	s.logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(2 * time.Second); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// broadcast pushes a report to WebSocket clients every interval.
func (s *Server) broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			if err := s.hub.BroadcastJSON(s.Report()); err != nil {
				s.logger.Warn("encode status", "error", err)
			}
		}
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Report())
}

func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.hub, c)
	if client == nil {
		return
	}
	// Send the current state right away rather than waiting a tick.
	if err := c.WriteJSON(s.Report()); err != nil {
		return
	}
	client.Run()
}
