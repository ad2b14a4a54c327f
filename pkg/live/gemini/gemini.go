// Package gemini speaks the Gemini Live BidiGenerateContent protocol
// directly over a WebSocket.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/reachy-companion/pkg/live"
)

// DefaultURL is the Gemini Live WebSocket endpoint.
const DefaultURL = "wss://generativelanguage.googleapis.com/ws/" +
	"google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

var errConnClosed = errors.New("gemini: connection closed")

const (
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Dialer opens Gemini Live connections.
type Dialer struct {
	// URL overrides DefaultURL.
	URL string

	Logger *slog.Logger
}

// NewDialer creates a Dialer for the public endpoint.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{URL: DefaultURL, Logger: logger}
}

// Dial connects, sends the session setup and waits for the server to
// acknowledge it.
func (d *Dialer) Dial(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := d.URL
	if endpoint == "" {
		endpoint = DefaultURL
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &live.ConnectionError{Reason: "parse url", Cause: err}
	}
	header := http.Header{}
	switch {
	case creds.APIKey != "":
		q := u.Query()
		q.Set("key", creds.APIKey)
		u.RawQuery = q.Encode()
	case creds.TokenSource != nil:
		tok, err := creds.TokenSource.Token()
		if err != nil {
			return nil, &live.ConnectionError{Reason: "authenticate", Cause: err}
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	default:
		return nil, &live.ConnectionError{Reason: "authenticate", Cause: live.ErrMissingCredentials}
	}

	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	ws, resp, err := wsDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &live.ConnectionError{
				Reason: "authenticate",
				Cause:  fmt.Errorf("handshake rejected: %s", resp.Status),
			}
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	c := &Conn{
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := c.setup(ctx, cfg); err != nil {
		ws.Close()
		return nil, err
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go c.keepAlive()

	logger.Debug("gemini session ready", "model", cfg.Model)
	return c, nil
}

// Conn is one Gemini Live WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	wsMu   sync.Mutex
	logger *slog.Logger

	// pending holds events decoded from a message but not yet returned.
	pending []live.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) setup(ctx context.Context, cfg live.Config) error {
	if err := c.writeJSON(ctx, newSetup(cfg)); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = live.DefaultConnectTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetReadDeadline(deadline)

	for {
		msg, err := c.read()
		if err != nil {
			return fmt.Errorf("gemini: await setup: %w", err)
		}
		if msg.Error != nil {
			svcErr := &live.ServiceError{Code: msg.Error.Code, Status: msg.Error.Status, Message: msg.Error.Message}
			return &live.ConnectionError{Reason: "setup", Cause: svcErr, Retryable: !svcErr.Fatal()}
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// SendAudio implements live.Conn.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte, mimeType string) error {
	return c.writeJSON(ctx, newAudioInput(pcm, mimeType))
}

// SendText implements live.Conn.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.writeJSON(ctx, newTextTurn(text))
}

// Recv implements live.Conn. The read is not interruptible by ctx;
// Close unblocks it.
func (c *Conn) Recv(ctx context.Context) (live.Event, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return live.Event{}, err
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := c.read()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return live.Event{}, io.EOF
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("skipping malformed message", "error", err)
				continue
			}
			return live.Event{}, err
		}
		c.pending = msg.events()
	}

	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

// Close implements live.Conn.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// A writer stuck on a stalled socket must not delay the close.
		if c.wsMu.TryLock() {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(100*time.Millisecond))
			c.wsMu.Unlock()
		}
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) read() (serverMessage, error) {
	var msg serverMessage
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(v)
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.wsMu.Unlock()
			if err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

var (
	_ live.Conn   = (*Conn)(nil)
	_ live.Dialer = (*Dialer)(nil)
)
