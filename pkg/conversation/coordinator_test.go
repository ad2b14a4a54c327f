package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/reachy-companion/pkg/audioio"
	"github.com/teslashibe/reachy-companion/pkg/live"
)

type testRig struct {
	coord  *Coordinator
	ctrl   *live.Controller
	dialer *live.MockDialer
	in     *audioio.MockInput
	out    *audioio.MockOutput
}

type rigOptions struct {
	frames  int
	paced   bool
	liveCfg func(*live.Config)
}

func newRig(t *testing.T, ro rigOptions, opts ...Option) *testRig {
	t.Helper()

	inCfg := audioio.DefaultInputConfig()
	inCfg.Channels = 1
	inCfg.BufferDuration = 10 * time.Millisecond
	var inOpts []audioio.MockInputOption
	if ro.frames > 0 {
		inOpts = append(inOpts, audioio.WithFrameLimit(ro.frames))
	}
	in := audioio.NewMockInput(inCfg, nil, inOpts...)

	outCfg := audioio.DefaultOutputConfig()
	outCfg.SampleRate = 24000
	outCfg.Channels = 1
	outCfg.Paced = ro.paced
	out := audioio.NewMockOutput(outCfg, nil)

	liveCfg := live.DefaultConfig()
	if ro.liveCfg != nil {
		ro.liveCfg(&liveCfg)
	}
	d := live.NewMockDialer()
	ctrl := live.NewController(d, live.Credentials{APIKey: "test-key"}, liveCfg, nil)

	opts = append([]Option{WithReconnectAttempts(3, 10*time.Millisecond)}, opts...)
	coord, err := New(ctrl, in, out, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { coord.Stop() })

	return &testRig{coord: coord, ctrl: ctrl, dialer: d, in: in, out: out}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// responseChunk returns n samples of 24 kHz PCM16 mono.
func responseChunk(n int) []byte {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(i % 1000)
	}
	return audioio.EncodePCM16(pcm)
}

func TestCoordinator_EndToEnd(t *testing.T) {
	rig := newRig(t, rigOptions{frames: 100}, WithGreeting("Hello"))
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()

	eventually(t, "input exhausted", func() bool { return rig.in.Generated() == 100 })
	time.Sleep(50 * time.Millisecond)
	eventually(t, "outbound drained", func() bool {
		s := c.Stats()
		return s.FramesCaptured > 0 && s.FramesSent+s.FramesDropped == s.FramesCaptured
	})
	eventually(t, "greeting sent", func() bool { return len(conn.SentText()) == 1 })

	for i := 0; i < 3; i++ {
		conn.SimulateAudio(responseChunk(480), 24000)
	}
	eventually(t, "playback", func() bool { return len(rig.out.Played()) == 3 })

	snap, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if snap.FramesCaptured == 0 || snap.FramesCaptured > 100 {
		t.Errorf("Expected 1..100 captured frames, got %d", snap.FramesCaptured)
	}
	if got := snap.FramesSent + snap.FramesDropped; got != snap.FramesCaptured {
		t.Errorf("Expected sent+dropped %d to equal captured %d", got, snap.FramesCaptured)
	}
	if chunks := uint64(conn.Chunks()); chunks > snap.FramesSent {
		t.Errorf("Expected at most %d chunks on the wire, got %d", snap.FramesSent, chunks)
	}
	if snap.FramesReceived != 3 {
		t.Errorf("Expected 3 received, got %d", snap.FramesReceived)
	}
	if snap.FramesPlayed != 3 {
		t.Errorf("Expected 3 played, got %d", snap.FramesPlayed)
	}
	if got := conn.SentText()[0]; got != "Hello" {
		t.Errorf("Expected greeting %q, got %q", "Hello", got)
	}
	if !conn.Closed() {
		t.Error("Expected the connection to be closed")
	}

	// Wire chunks are 10 ms of 16 kHz PCM16 mono.
	for i, chunk := range conn.SentAudio() {
		if len(chunk) != 320 {
			t.Fatalf("Expected 320-byte chunk %d, got %d", i, len(chunk))
		}
	}
	for _, mime := range conn.MimeTypes {
		if mime != "audio/pcm;rate=16000" {
			t.Fatalf("Expected audio/pcm;rate=16000, got %q", mime)
		}
	}

	// The output runs at the service rate, so chunks pass through unchanged.
	for _, f := range rig.out.Played() {
		if f.SampleRate != 24000 || f.Len() != 480 {
			t.Errorf("Expected 480 samples at 24000Hz, got %d at %d", f.Len(), f.SampleRate)
		}
	}
}

func TestCoordinator_InterruptFlushesPlayback(t *testing.T) {
	rig := newRig(t, rigOptions{paced: true})
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()

	// 20 chunks of 100 ms take two seconds to play.
	for i := 0; i < 20; i++ {
		conn.SimulateAudio(responseChunk(2400), 24000)
	}
	eventually(t, "audio queued", func() bool { return c.Stats().FramesReceived == 20 })

	conn.SimulateInterruption()
	eventually(t, "interruption", func() bool { return c.Stats().Interruptions == 1 })

	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if n := r.inbound.Len(); n != 0 {
		t.Errorf("Expected empty playback queue, got %d", n)
	}

	snap, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.FramesFlushed == 0 {
		t.Error("Expected flushed frames")
	}
	if snap.FramesPlayed >= 20 {
		t.Errorf("Expected playback to be cut short, played %d", snap.FramesPlayed)
	}
	if rig.out.Aborts() == 0 {
		t.Error("Expected the output to be aborted")
	}
}

func TestCoordinator_StopIsBounded(t *testing.T) {
	rig := newRig(t, rigOptions{paced: true})
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()
	for i := 0; i < 5; i++ {
		conn.SimulateAudio(responseChunk(24000), 24000)
	}
	eventually(t, "audio queued", func() bool { return c.Stats().FramesReceived == 5 })

	start := time.Now()
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Expected Stop within 300ms, took %v", elapsed)
	}
	if c.Running() {
		t.Error("Expected coordinator to be stopped")
	}
}

func TestCoordinator_StartStopStates(t *testing.T) {
	rig := newRig(t, rigOptions{})
	c := rig.coord

	snap, err := c.Stop()
	if err != nil {
		t.Errorf("Expected Stop before Start to succeed, got %v", err)
	}
	if snap.FramesCaptured != 0 || !snap.StartedAt.IsZero() {
		t.Errorf("Expected an empty snapshot, got %+v", snap)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !IsAlreadyRunning(err) {
		t.Errorf("Expected AlreadyRunningError, got %v", err)
	}
	if got := rig.dialer.DialCount(); got != 1 {
		t.Errorf("Expected 1 dial, got %d", got)
	}

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := c.Stop(); err != nil {
		t.Errorf("Expected repeated Stop to succeed, got %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if st := c.Status(); !st.Running || st.SessionState != "active" {
		t.Errorf("Expected running active status, got %+v", st)
	}
}

func TestCoordinator_ConnectFailure(t *testing.T) {
	rig := newRig(t, rigOptions{})
	rig.dialer.DialFunc = func(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
		return nil, &live.ConnectionError{Reason: "dial", Cause: errors.New("refused"), Retryable: true}
	}

	err := rig.coord.Start(context.Background())
	var netErr *NetworkError
	if !errors.As(err, &netErr) || !netErr.Fatal {
		t.Fatalf("Expected fatal NetworkError, got %v", err)
	}
	if rig.coord.Running() {
		t.Error("Expected coordinator not to run")
	}
	if _, err := rig.in.Read(context.Background()); !errors.Is(err, audioio.ErrDeviceClosed) {
		t.Errorf("Expected input to be stopped, got %v", err)
	}
}

func TestCoordinator_ReconnectsAfterRemoteClose(t *testing.T) {
	rig := newRig(t, rigOptions{})
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := rig.dialer.Last()
	first.SimulateRemoteClose()

	eventually(t, "reconnect", func() bool { return c.Stats().Reconnects == 1 })
	if got := rig.dialer.DialCount(); got != 2 {
		t.Errorf("Expected 2 dials, got %d", got)
	}
	second := rig.dialer.Last()
	if second == first {
		t.Fatal("Expected a new connection")
	}
	eventually(t, "audio on new session", func() bool { return second.Chunks() > 0 })

	second.SimulateAudio(responseChunk(480), 24000)
	eventually(t, "playback after reconnect", func() bool { return len(rig.out.Played()) == 1 })

	if !c.Running() {
		t.Errorf("Expected conversation to continue, err=%v", c.Err())
	}
}

func TestCoordinator_ReconnectsBeforeExpiry(t *testing.T) {
	rig := newRig(t, rigOptions{
		liveCfg: func(cfg *live.Config) { cfg.MaxDuration = 150 * time.Millisecond },
	}, WithReconnect(true, 100*time.Millisecond))
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := rig.dialer.Last()

	eventually(t, "proactive reconnect", func() bool { return c.Stats().Reconnects >= 1 })
	if !first.Closed() {
		t.Error("Expected the expiring session to be closed first")
	}
}

func TestCoordinator_SessionExpiredWithoutReconnect(t *testing.T) {
	rig := newRig(t, rigOptions{
		liveCfg: func(cfg *live.Config) { cfg.MaxDuration = 100 * time.Millisecond },
	}, WithReconnect(false, 0))

	start := time.Now()
	_, err := rig.coord.Run(context.Background(), 5*time.Second)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected to end at the session limit, took %v", elapsed)
	}
	if got := rig.dialer.DialCount(); got != 1 {
		t.Errorf("Expected no reconnect, got %d dials", got)
	}
}

func TestCoordinator_RemoteCloseWithoutReconnect(t *testing.T) {
	rig := newRig(t, rigOptions{}, WithReconnect(false, 0))
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.dialer.Last().SimulateRemoteClose()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conversation did not end")
	}

	var netErr *NetworkError
	if err := c.Err(); !errors.As(err, &netErr) || !netErr.Fatal {
		t.Errorf("Expected fatal NetworkError, got %v", err)
	}
	if !IsFatal(c.Err()) {
		t.Error("Expected the end cause to be fatal")
	}
}

func TestCoordinator_ServiceErrors(t *testing.T) {
	t.Run("transient error continues", func(t *testing.T) {
		rig := newRig(t, rigOptions{})
		c := rig.coord
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		rig.dialer.Last().SimulateError(&live.ServiceError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, false)

		eventually(t, "error counted", func() bool { return c.Stats().Errors == 1 })
		if !c.Running() {
			t.Errorf("Expected conversation to continue, err=%v", c.Err())
		}
	})

	t.Run("fatal error ends the conversation", func(t *testing.T) {
		rig := newRig(t, rigOptions{})
		c := rig.coord
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		rig.dialer.Last().SimulateError(&live.ServiceError{Code: 400, Status: "INVALID_ARGUMENT"}, true)

		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("conversation did not end")
		}
		var svcErr *live.ServiceError
		if !errors.As(c.Err(), &svcErr) || svcErr.Code != 400 {
			t.Errorf("Expected service error 400, got %v", c.Err())
		}
	})
}

func TestCoordinator_MalformedAudio(t *testing.T) {
	rig := newRig(t, rigOptions{})
	c := rig.coord
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()

	conn.SimulateAudio([]byte{1, 2, 3}, 24000)
	conn.SimulateAudio(responseChunk(240), 24000)

	eventually(t, "valid chunk", func() bool { return c.Stats().FramesReceived == 1 })
	snap := c.Stats()
	if snap.Malformed != 1 {
		t.Errorf("Expected 1 malformed chunk, got %d", snap.Malformed)
	}
	if !c.Running() {
		t.Error("Expected malformed audio not to end the conversation")
	}
}

func TestCoordinator_ResamplesResponseAudio(t *testing.T) {
	rig := newRig(t, rigOptions{})
	c := rig.coord
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A 16 kHz chunk is upsampled to the 24 kHz output.
	rig.dialer.Last().SimulateAudio(responseChunk(320), 16000)
	eventually(t, "playback", func() bool { return len(rig.out.Played()) == 1 })

	f := rig.out.Played()[0]
	if f.SampleRate != 24000 {
		t.Errorf("Expected 24000Hz, got %d", f.SampleRate)
	}
	if f.Len() < 470 || f.Len() > 490 {
		t.Errorf("Expected about 480 samples, got %d", f.Len())
	}
}

type tagRecorder struct {
	mu   sync.Mutex
	tags []string
}

func (r *tagRecorder) Notify(tag string) {
	r.mu.Lock()
	r.tags = append(r.tags, tag)
	r.mu.Unlock()
}

func (r *tagRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func TestCoordinator_Notifications(t *testing.T) {
	rec := &tagRecorder{}
	rig := newRig(t, rigOptions{}, WithNotifier(rec))
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()

	conn.SimulateAudio(responseChunk(240), 24000)
	conn.SimulateAudio(responseChunk(240), 24000)
	eventually(t, "speaking", func() bool { return len(rec.get()) == 2 })
	if st := c.Status(); st.Tag != TagSpeaking {
		t.Errorf("Expected status tag %q, got %q", TagSpeaking, st.Tag)
	}

	conn.SimulateTurnComplete()
	eventually(t, "turn complete", func() bool { return c.Stats().TurnsCompleted == 1 })

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{TagListening, TagSpeaking, TagListening, TagIdle}
	eventually(t, "idle", func() bool { return len(rec.get()) == len(want) })
	got := rec.get()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected tags %v, got %v", want, got)
			break
		}
	}
}

func TestCoordinator_DropsFramesUnderBackpressure(t *testing.T) {
	rig := newRig(t, rigOptions{
		liveCfg: func(cfg *live.Config) { cfg.SendBuffer = 1 },
	}, WithSendRetry(1, time.Millisecond))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	rig.dialer.DialFunc = func(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
		conn := live.NewMockConn()
		conn.SendAudioFunc = func([]byte, string) error {
			<-block
			return nil
		}
		return conn, nil
	}

	c := rig.coord
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "dropped frames", func() bool { return c.Stats().FramesDropped > 0 })
	if !c.Running() {
		t.Errorf("Expected backpressure not to end the conversation, err=%v", c.Err())
	}
	if c.Stats().Errors == 0 {
		t.Error("Expected send failures to be counted")
	}
}

func TestCoordinator_TransientDeviceErrorContinues(t *testing.T) {
	rig := newRig(t, rigOptions{})
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "first frames", func() bool { return c.Stats().FramesCaptured > 0 })

	rig.in.FailNextReads(3)
	eventually(t, "injected errors", func() bool { return rig.in.ReadErrors() == 3 })
	before := c.Stats().FramesCaptured
	eventually(t, "capture resumes", func() bool { return c.Stats().FramesCaptured > before+2 })

	if !c.Running() {
		t.Fatalf("Expected conversation to continue, err=%v", c.Err())
	}
	if got := c.Stats().Errors; got < 3 {
		t.Errorf("Expected at least 3 errors counted, got %d", got)
	}
}

func TestCoordinator_FatalDeviceErrorTearsDown(t *testing.T) {
	rec := &tagRecorder{}
	rig := newRig(t, rigOptions{}, WithNotifier(rec))
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := rig.dialer.Last()
	eventually(t, "first frames", func() bool { return c.Stats().FramesCaptured > 0 })

	rig.in.FailFatal()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conversation did not end")
	}

	if err := c.Err(); !audioio.IsFatalDevice(err) {
		t.Errorf("Expected fatal device error, got %v", err)
	}

	// Released without calling Stop.
	if st := rig.ctrl.State(); st != live.StateClosed {
		t.Errorf("Expected session closed, got %s", st)
	}
	if !conn.Closed() {
		t.Error("Expected connection closed")
	}
	if rig.out.Running() {
		t.Error("Expected output stopped")
	}
	if _, err := rig.in.Read(context.Background()); !errors.Is(err, audioio.ErrDeviceClosed) {
		t.Errorf("Expected input stopped, got %v", err)
	}
	if st := c.Status(); st.Running || st.SessionState != "closed" {
		t.Errorf("Expected stopped closed status, got %+v", st)
	}
	eventually(t, "idle", func() bool {
		tags := rec.get()
		return len(tags) > 0 && tags[len(tags)-1] == TagIdle
	})

	snap, err := c.Stop()
	if err != nil {
		t.Errorf("Expected Stop after teardown to succeed, got %v", err)
	}
	if snap.FramesCaptured == 0 {
		t.Error("Expected final statistics from Stop")
	}
}

func TestCoordinator_TooManyDeviceErrors(t *testing.T) {
	rig := newRig(t, rigOptions{}, func(c *Config) { c.MaxDeviceErrors = 3 })
	c := rig.coord

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.in.FailNextReads(10)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conversation did not end")
	}
	if err := c.Err(); !errors.Is(err, ErrTooManyDeviceErrors) {
		t.Errorf("Expected ErrTooManyDeviceErrors, got %v", err)
	}
	if st := rig.ctrl.State(); st != live.StateClosed {
		t.Errorf("Expected session closed, got %s", st)
	}
}

func TestCoordinator_RetriesTransientSend(t *testing.T) {
	rig := newRig(t, rigOptions{
		liveCfg: func(cfg *live.Config) { cfg.SendBuffer = 1 },
	}, WithSendRetry(8, 5*time.Millisecond), WithQueueSizes(64, 64))

	// The first write stalls the wire long enough for later sends to
	// see a full buffer, then everything flows.
	release := time.After(50 * time.Millisecond)
	var once sync.Once
	rig.dialer.DialFunc = func(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
		conn := live.NewMockConn()
		conn.SendAudioFunc = func([]byte, string) error {
			once.Do(func() { <-release })
			return nil
		}
		return conn, nil
	}

	c := rig.coord
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "frames after the stall", func() bool { return c.Stats().FramesSent >= 10 })

	snap := c.Stats()
	if snap.FramesDropped != 0 {
		t.Errorf("Expected retries to avoid drops, got %d dropped", snap.FramesDropped)
	}
	if snap.Errors != 0 {
		t.Errorf("Expected no errors, got %d", snap.Errors)
	}
	if !c.Running() {
		t.Errorf("Expected conversation to continue, err=%v", c.Err())
	}
}

func TestTransmit_CancelledRetryCountsDrop(t *testing.T) {
	rig := newRig(t, rigOptions{
		liveCfg: func(cfg *live.Config) { cfg.SendBuffer = 1 },
	}, WithSendRetry(100, 5*time.Millisecond))

	block := make(chan struct{})
	rig.dialer.DialFunc = func(ctx context.Context, creds live.Credentials, cfg live.Config) (live.Conn, error) {
		conn := live.NewMockConn()
		conn.SendAudioFunc = func([]byte, string) error {
			<-block
			return nil
		}
		return conn, nil
	}

	sess, err := rig.ctrl.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		close(block)
		rig.ctrl.Close(sess)
	})

	frame := audioio.NewPCMFrame(make([]int16, 160), 16000, 1)
	eventually(t, "wire congested", func() bool {
		return errors.Is(sess.Send(frame), live.ErrBackpressure)
	})

	r := &run{c: rig.coord, stats: NewStats(nil), slot: newSessionSlot(sess)}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := r.send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	snap := r.stats.Snapshot()
	if snap.FramesDropped != 1 {
		t.Errorf("Expected the abandoned frame counted as dropped, got %d", snap.FramesDropped)
	}
	if snap.FramesSent != 0 {
		t.Errorf("Expected nothing sent, got %d", snap.FramesSent)
	}
}
