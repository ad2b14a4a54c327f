package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teslashibe/reachy-companion/internal/observe"
)

func TestStats_Snapshot(t *testing.T) {
	s := NewStats(nil)
	start := time.Now().Add(-2 * time.Second)
	s.Start(start)

	for i := 0; i < 10; i++ {
		s.FrameCaptured()
		s.FrameSent()
	}
	for i := 0; i < 4; i++ {
		s.FrameReceived()
	}
	s.FramePlayed()
	s.FramesDropped(2)
	s.FramesFlushed(3)
	s.Interruption()
	s.TurnCompleted()
	s.Error("capture")
	s.Malformed()
	s.Reconnect()
	s.End(start.Add(2 * time.Second))

	snap := s.Snapshot()
	if snap.FramesCaptured != 10 || snap.FramesSent != 10 {
		t.Errorf("Expected 10 captured and sent, got %d and %d", snap.FramesCaptured, snap.FramesSent)
	}
	if snap.FramesReceived != 4 || snap.FramesPlayed != 1 {
		t.Errorf("Expected 4 received and 1 played, got %d and %d", snap.FramesReceived, snap.FramesPlayed)
	}
	if snap.FramesDropped != 2 || snap.FramesFlushed != 3 {
		t.Errorf("Expected 2 dropped and 3 flushed, got %d and %d", snap.FramesDropped, snap.FramesFlushed)
	}
	if snap.Interruptions != 1 || snap.TurnsCompleted != 1 || snap.Errors != 1 || snap.Reconnects != 1 || snap.Malformed != 1 {
		t.Errorf("Unexpected event counters: %+v", snap)
	}
	if snap.Duration != 2*time.Second {
		t.Errorf("Expected 2s, got %v", snap.Duration)
	}
	if snap.InputRate != 5 {
		t.Errorf("Expected input rate 5, got %v", snap.InputRate)
	}
	if snap.OutputRate != 2 {
		t.Errorf("Expected output rate 2, got %v", snap.OutputRate)
	}
	if !strings.Contains(snap.String(), "sent=10") {
		t.Errorf("Expected summary to include sent=10, got %q", snap.String())
	}
}

func TestStats_EndIsFinal(t *testing.T) {
	s := NewStats(nil)
	start := time.Now()
	s.Start(start)
	s.End(start.Add(time.Second))
	s.End(start.Add(time.Hour))

	if d := s.Snapshot().Duration; d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}
}

func TestStats_NotStarted(t *testing.T) {
	snap := NewStats(nil).Snapshot()
	if !snap.StartedAt.IsZero() || snap.Duration != 0 || snap.InputRate != 0 {
		t.Errorf("Expected zero timing, got %+v", snap)
	}
}

func TestStats_Concurrent(t *testing.T) {
	s := NewStats(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.FrameSent()
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().FramesSent; got != 8000 {
		t.Errorf("Expected 8000, got %d", got)
	}
}

func TestStats_MirrorsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := NewStats(m)
	s.FrameCaptured()
	s.FramesDropped(3)
	s.Malformed()
	s.Interruption()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var frames, malformed int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok && metric.Name == "companion.frames" {
				for _, dp := range sum.DataPoints {
					frames += dp.Value
					if v, ok := dp.Attributes.Value(attribute.Key("stage")); ok && v.AsString() == observe.StageMalformed {
						malformed += dp.Value
					}
				}
			}
		}
	}
	if frames != 5 {
		t.Errorf("Expected 5 frames recorded, got %d", frames)
	}
	if malformed != 1 {
		t.Errorf("Expected 1 malformed frame recorded, got %d", malformed)
	}
}
