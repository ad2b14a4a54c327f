package audioio

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

// opusFrameDuration is the packet length the robot's RTP depayloader expects.
const opusFrameDuration = 20 * time.Millisecond

// rtpLead is how far ahead of real time packets may be sent.
const rtpLead = 40 * time.Millisecond

// maxOpusPacket bounds one encoded Opus packet.
const maxOpusPacket = 1500

type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// RTPOutput plays audio on the robot speaker by streaming Opus over RTP
// to the robot's UDP audio sink. Packets are paced in real time so that
// cancelling a Write stops emission within one packet.
type RTPOutput struct {
	cfg    Config
	logger *slog.Logger
	addr   string

	enc        opusEncoder
	frameSize  int // samples per channel per packet
	payloadBuf []byte

	mu      sync.Mutex
	running bool
	conn    net.Conn
	pending []int16
	seq     uint16
	ts      uint32
	ssrc    uint32
	clock   time.Time
	marker  bool

	packetsSent atomic.Int64
}

// NewRTPOutput creates an Opus/RTP output using libopus.
func NewRTPOutput(cfg Config, logger *slog.Logger) (*RTPOutput, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return newRTPOutput(cfg, logger, enc), nil
}

func newRTPOutput(cfg Config, logger *slog.Logger, enc opusEncoder) *RTPOutput {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Device
	if addr == "" {
		addr = DefaultRTPAddress
	}
	return &RTPOutput{
		cfg:        cfg,
		logger:     logger,
		addr:       addr,
		enc:        enc,
		frameSize:  int(int64(cfg.SampleRate) * int64(opusFrameDuration) / int64(time.Second)),
		payloadBuf: make([]byte, maxOpusPacket),
		ssrc:       rand.Uint32(),
		seq:        uint16(rand.Uint32()),
		marker:     true,
	}
}

// Start opens the UDP socket.
func (o *RTPOutput) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", o.addr)
	if err != nil {
		return &DeviceError{Device: o.Name(), Op: "start", Cause: err, Fatal: true}
	}
	o.conn = conn
	o.running = true
	o.logger.Info("rtp audio output started", "addr", o.addr, "ssrc", o.ssrc)
	return nil
}

// Stop closes the UDP socket.
func (o *RTPOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil
	}
	o.running = false
	o.pending = nil
	err := o.conn.Close()
	o.logger.Info("rtp audio output stopped", "packets", o.packetsSent.Load())
	return err
}

// Write encodes f into 20 ms Opus packets and sends them. A trailing
// partial packet is kept until the next Write.
func (o *RTPOutput) Write(ctx context.Context, f Frame) error {
	if f.SampleRate != o.cfg.SampleRate || f.Channels != o.cfg.Channels {
		return &FormatError{Reason: fmt.Sprintf("rtp output expects %s, got %s", o.Format(), f.Format)}
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrDeviceClosed
	}
	o.pending = append(o.pending, f.Int16()...)
	o.mu.Unlock()

	step := o.frameSize * o.cfg.Channels
	for {
		o.mu.Lock()
		if !o.running {
			o.mu.Unlock()
			return ErrDeviceClosed
		}
		if len(o.pending) < step {
			o.mu.Unlock()
			return nil
		}
		chunk := o.pending[:step]
		o.pending = o.pending[step:]
		due, err := o.sendLocked(chunk)
		o.mu.Unlock()
		if err != nil {
			return err
		}

		if wait := time.Until(due.Add(-rtpLead)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				o.Abort()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			o.Abort()
			return err
		}
	}
}

// sendLocked encodes and sends one packet and returns when it is due
// to finish playing.
func (o *RTPOutput) sendLocked(pcm []int16) (time.Time, error) {
	n, err := o.enc.Encode(pcm, o.payloadBuf)
	if err != nil {
		return time.Time{}, &DeviceError{Device: o.Name(), Op: "encode", Cause: err}
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         o.marker,
			PayloadType:    DefaultRTPPayloadType,
			SequenceNumber: o.seq,
			Timestamp:      o.ts,
			SSRC:           o.ssrc,
		},
		Payload: o.payloadBuf[:n],
	}
	data, err := pkt.Marshal()
	if err != nil {
		return time.Time{}, &DeviceError{Device: o.Name(), Op: "packetize", Cause: err}
	}
	if _, err := o.conn.Write(data); err != nil {
		return time.Time{}, &DeviceError{Device: o.Name(), Op: "write", Cause: err}
	}

	o.marker = false
	o.seq++
	o.ts += uint32(o.frameSize)
	o.packetsSent.Add(1)

	now := time.Now()
	if o.clock.Before(now) {
		o.clock = now
	}
	o.clock = o.clock.Add(opusFrameDuration)
	return o.clock, nil
}

// Abort drops buffered samples and restarts pacing at the next packet.
func (o *RTPOutput) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = nil
	o.clock = time.Time{}
	o.marker = true
}

// PacketsSent returns the number of RTP packets sent.
func (o *RTPOutput) PacketsSent() int64 {
	return o.packetsSent.Load()
}

// Format returns the PCM16 format the encoder consumes.
func (o *RTPOutput) Format() Format {
	return Format{SampleRate: o.cfg.SampleRate, Channels: o.cfg.Channels, Encoding: PCM16}
}

// Name returns "rtp".
func (o *RTPOutput) Name() string {
	return string(BackendRTP)
}

var (
	_ Output  = (*RTPOutput)(nil)
	_ Aborter = (*RTPOutput)(nil)
)
