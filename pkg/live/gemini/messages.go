package gemini

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/live"
)

// Client messages.

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// Shared shapes.

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Server messages.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func newSetup(cfg live.Config) setupMessage {
	msg := setupMessage{Setup: setup{
		Model:            modelName(cfg.Model),
		GenerationConfig: generationConfig{ResponseModalities: []string{cfg.ResponseModality}},
	}}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return msg
}

func newAudioInput(pcm []byte, mimeType string) realtimeInputMessage {
	return realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []blob{{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(pcm)}},
	}}
}

func newTextTurn(text string) clientContentMessage {
	return clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}}
}

func modelName(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// events translates one server message into live events, in the order
// audio, interrupted, turn complete, go-away, error.
func (m serverMessage) events() []live.Event {
	var out []live.Event

	if sc := m.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					out = append(out, live.Event{
						Kind: live.EventError,
						Err:  fmt.Errorf("gemini: decode audio: %w", err),
					})
					continue
				}
				out = append(out, live.Event{
					Kind:       live.EventAudio,
					Audio:      data,
					SampleRate: live.ParseRate(p.InlineData.MimeType, live.DefaultOutputRate),
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

	if m.GoAway != nil {
		left, _ := time.ParseDuration(m.GoAway.TimeLeft)
		out = append(out, live.Event{Kind: live.EventGoAway, TimeLeft: left})
	}

	if m.Error != nil {
		svcErr := &live.ServiceError{Code: m.Error.Code, Status: m.Error.Status, Message: m.Error.Message}
		out = append(out, live.Event{Kind: live.EventError, Err: svcErr, Fatal: svcErr.Fatal()})
	}

	return out
}
