package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/reachy-companion/internal/httpc"
)

// DefaultTimeout bounds a single daemon request.
const DefaultTimeout = 2 * time.Second

// StatusError is returned when the daemon answers with a non-2xx status.
type StatusError struct {
	Path string
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("robot: %s returned %d: %s", e.Path, e.Code, e.Body)
}

// HTTPController implements Controller using the daemon's HTTP API.
type HTTPController struct {
	BaseURL string

	client *http.Client
	logger *slog.Logger
}

// NewHTTPController creates a controller for the daemon at baseURL, e.g.
// http://192.168.68.80:8000. A nil client uses a shared client with a
// short timeout.
func NewHTTPController(baseURL string, client *http.Client, logger *slog.Logger) *HTTPController {
	if client == nil {
		client = httpc.NewClient(DefaultTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPController{
		BaseURL: baseURL,
		client:  client,
		logger:  logger.With("component", "robot"),
	}
}

type headPose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

type moveRequest struct {
	Head     *headPose   `json:"target_head_pose"`
	Antennas *[2]float64 `json:"target_antennas"`
	BodyYaw  *float64    `json:"target_body_yaw"`
	Duration float64     `json:"duration"`
}

// GotoTarget sends t, clamped to the robot's limits, to the daemon.
func (r *HTTPController) GotoTarget(ctx context.Context, t Target) error {
	t = t.Clamp()
	req := moveRequest{
		Antennas: t.Antennas,
		BodyYaw:  t.BodyYaw,
		Duration: t.Duration.Seconds(),
	}
	if t.Head != nil {
		req.Head = &headPose{Roll: t.Head.Roll, Pitch: t.Head.Pitch, Yaw: t.Head.Yaw}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("robot: marshal move: %w", err)
	}
	resp, err := r.do(ctx, http.MethodPost, "/api/move/set_target", data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DaemonStatus returns the daemon state, e.g. "running".
func (r *HTTPController) DaemonStatus(ctx context.Context) (string, error) {
	resp, err := r.do(ctx, http.MethodGet, "/api/daemon/status", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var status struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("robot: decode daemon status: %w", err)
	}
	return status.State, nil
}

func (r *HTTPController) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("robot: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robot: %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	r.logger.Debug("daemon request", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}
