package audioio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrame is 120 ms at 48 kHz, the longest frame Opus can carry.
const maxOpusFrame = 5760

type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// signalMessage is the robot's GStreamer webrtcsink signalling envelope.
type signalMessage struct {
	Type      string      `json:"type"`
	PeerID    string      `json:"peerId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Producers []producer  `json:"producers,omitempty"`
	SDP       *sdpPayload `json:"sdp,omitempty"`
	ICE       *icePayload `json:"ice,omitempty"`
}

type producer struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta"`
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type icePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// WebRTCInput captures the robot microphone from the robot's WebRTC
// producer. Opus packets are decoded into PCM16 frames at the configured
// rate and channel count.
type WebRTCInput struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	ws        *websocket.Conn
	wsMu      sync.Mutex
	pc        *webrtc.PeerConnection
	sessionID string
	stopCh    chan struct{}
	frames    chan Frame

	dec opusDecoder

	packets      atomic.Int64
	decodeErrors atomic.Int64
	overruns     atomic.Int64
}

// NewWebRTCInput creates a WebRTC microphone input.
func NewWebRTCInput(cfg Config, logger *slog.Logger) (*WebRTCInput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("webrtc input: signalling url is required")
	}
	dec, err := opus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &WebRTCInput{
		cfg:    cfg,
		logger: logger,
		dec:    dec,
		stopCh: make(chan struct{}),
		frames: make(chan Frame, 32),
	}, nil
}

// Start connects to the signalling server and negotiates a receive-only
// audio session with the configured producer.
func (w *WebRTCInput) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.Device, nil)
	if err != nil {
		return &DeviceError{Device: w.Name(), Op: "signalling dial", Cause: err, Fatal: true}
	}

	producerID, err := w.handshake(ws)
	if err != nil {
		ws.Close()
		return &DeviceError{Device: w.Name(), Op: "signalling handshake", Cause: err, Fatal: true}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		ws.Close()
		return &DeviceError{Device: w.Name(), Op: "peer connection", Cause: err, Fatal: true}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		ws.Close()
		return &DeviceError{Device: w.Name(), Op: "audio transceiver", Cause: err, Fatal: true}
	}

	w.ws = ws
	w.pc = pc
	w.stopCh = make(chan struct{})
	stop := w.stopCh

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		w.logger.Info("webrtc audio track received", "codec", track.Codec().MimeType)
		w.readTrack(track, stop)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		w.send(signalMessage{
			Type:      "peer",
			SessionID: w.currentSession(),
			ICE: &icePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.logger.Debug("webrtc connection state", "state", state.String())
	})

	if err := w.send(signalMessage{Type: "startSession", PeerID: producerID}); err != nil {
		pc.Close()
		ws.Close()
		return &DeviceError{Device: w.Name(), Op: "start session", Cause: err, Fatal: true}
	}
	go w.signallingLoop(stop)

	w.running = true
	w.logger.Info("webrtc audio input started", "signalling", w.cfg.Device, "producer", producerID)
	return nil
}

// handshake reads the welcome message and resolves the producer id.
func (w *WebRTCInput) handshake(ws *websocket.Conn) (string, error) {
	var welcome signalMessage
	if err := ws.ReadJSON(&welcome); err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	if err := ws.WriteJSON(signalMessage{Type: "list"}); err != nil {
		return "", fmt.Errorf("request producers: %w", err)
	}
	var list signalMessage
	if err := ws.ReadJSON(&list); err != nil {
		return "", fmt.Errorf("read producers: %w", err)
	}
	name := w.cfg.ProducerName
	if name == "" {
		name = DefaultProducerName
	}
	return selectProducer(list.Producers, name)
}

func selectProducer(producers []producer, name string) (string, error) {
	for _, p := range producers {
		if p.Meta["name"] == name {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("producer %q not found among %d producers", name, len(producers))
}

func (w *WebRTCInput) signallingLoop(stop <-chan struct{}) {
	for {
		var msg signalMessage
		if err := w.ws.ReadJSON(&msg); err != nil {
			select {
			case <-stop:
			default:
				w.logger.Warn("webrtc signalling closed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "sessionStarted":
			w.mu.Lock()
			w.sessionID = msg.SessionID
			w.mu.Unlock()
		case "peer":
			if err := w.handlePeer(msg); err != nil {
				w.logger.Warn("webrtc negotiation failed", "error", err)
			}
		}
	}
}

func (w *WebRTCInput) handlePeer(msg signalMessage) error {
	if msg.SDP != nil && msg.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
		if err := w.pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		answer, err := w.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := w.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return w.send(signalMessage{
			Type:      "peer",
			SessionID: w.currentSession(),
			SDP:       &sdpPayload{Type: answer.Type.String(), SDP: answer.SDP},
		})
	}
	if msg.ICE != nil {
		return w.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.ICE.Candidate,
			SDPMid:        msg.ICE.SDPMid,
			SDPMLineIndex: msg.ICE.SDPMLineIndex,
		})
	}
	return nil
}

func (w *WebRTCInput) readTrack(track *webrtc.TrackRemote, stop <-chan struct{}) {
	buf := make([]int16, maxOpusFrame*w.cfg.Channels)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			select {
			case <-stop:
			default:
				w.logger.Warn("webrtc track ended", "error", err)
			}
			return
		}
		w.packets.Add(1)

		n, err := w.dec.Decode(pkt.Payload, buf)
		if err != nil {
			if w.decodeErrors.Add(1) <= 5 {
				w.logger.Warn("opus decode failed", "error", err, "payload_bytes", len(pkt.Payload))
			}
			continue
		}

		pcm := make([]int16, n*w.cfg.Channels)
		copy(pcm, buf)
		select {
		case w.frames <- NewPCMFrame(pcm, w.cfg.SampleRate, w.cfg.Channels):
		default:
			w.overruns.Add(1)
		}
	}
}

func (w *WebRTCInput) send(msg signalMessage) error {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws == nil {
		return ErrNotStarted
	}
	return w.ws.WriteJSON(msg)
}

func (w *WebRTCInput) currentSession() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Read returns the next decoded frame.
func (w *WebRTCInput) Read(ctx context.Context) (Frame, error) {
	w.mu.Lock()
	running := w.running
	stop := w.stopCh
	w.mu.Unlock()
	if !running {
		return Frame{}, ErrDeviceClosed
	}

	select {
	case f := <-w.frames:
		return f, nil
	case <-stop:
		return Frame{}, ErrDeviceClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Frame{}, ErrNoData
		}
		return Frame{}, ctx.Err()
	}
}

// Stop tears down the peer connection and signalling socket.
func (w *WebRTCInput) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	var errs []error
	if err := w.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	w.wsMu.Lock()
	if err := w.ws.Close(); err != nil {
		errs = append(errs, err)
	}
	w.wsMu.Unlock()

	w.logger.Info("webrtc audio input stopped",
		"packets", w.packets.Load(),
		"decode_errors", w.decodeErrors.Load(),
		"overruns", w.overruns.Load(),
	)
	return errors.Join(errs...)
}

// Format returns the PCM16 format produced by the decoder.
func (w *WebRTCInput) Format() Format {
	return Format{SampleRate: w.cfg.SampleRate, Channels: w.cfg.Channels, Encoding: PCM16}
}

// Name returns "webrtc".
func (w *WebRTCInput) Name() string {
	return string(BackendWebRTC)
}

var _ Input = (*WebRTCInput)(nil)
