// Package genailive connects live sessions through the official
// google.golang.org/genai SDK.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/teslashibe/reachy-companion/pkg/live"
)

// ErrAPIKeyRequired is returned for credentials without an API key.
var ErrAPIKeyRequired = errors.New("genailive: the Gemini API backend requires an API key")

// Dialer opens sessions with genai.Client.Live.
type Dialer struct {
	Logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger}
}

// Dial implements live.Dialer.
func (d *Dialer) Dial(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
	if creds.APIKey == "" {
		return nil, &live.ConnectionError{Reason: "authenticate", Cause: ErrAPIKeyRequired}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  creds.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &live.ConnectionError{Reason: "create client", Cause: err}
	}

	session, err := client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("genai live session ready", "model", cfg.Model)
	return &Conn{session: session, logger: logger}, nil
}

func connectConfig(cfg live.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(strings.ToUpper(cfg.ResponseModality))},
	}
	if cfg.ResponseModality == "" {
		lc.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	return lc
}

// Conn wraps a genai live session.
type Conn struct {
	session *genai.Session
	logger  *slog.Logger

	pending []live.Event

	closeOnce sync.Once
	closeErr  error
}

// SendAudio implements live.Conn.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte, mimeType string) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: mimeType},
	})
}

// SendText implements live.Conn.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

// Recv implements live.Conn. Close unblocks a pending receive.
func (c *Conn) Recv(ctx context.Context) (live.Event, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return live.Event{}, err
		}
		msg, err := c.session.Receive()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) &&
				(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				return live.Event{}, io.EOF
			}
			return live.Event{}, err
		}
		c.pending = translate(msg)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

// Close implements live.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

// translate maps an SDK server message to live events.
func translate(msg *genai.LiveServerMessage) []live.Event {
	if msg == nil {
		return nil
	}
	var out []live.Event

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				out = append(out, live.Event{
					Kind:       live.EventAudio,
					Audio:      p.InlineData.Data,
					SampleRate: live.ParseRate(p.InlineData.MIMEType, live.DefaultOutputRate),
				})
			}
		}
		if sc.Interrupted {
			out = append(out, live.Event{Kind: live.EventInterrupted})
		}
		if sc.TurnComplete {
			out = append(out, live.Event{Kind: live.EventTurnComplete})
		}
	}

	if msg.GoAway != nil {
		out = append(out, live.Event{Kind: live.EventGoAway})
	}
	return out
}

var (
	_ live.Conn   = (*Conn)(nil)
	_ live.Dialer = (*Dialer)(nil)
)
