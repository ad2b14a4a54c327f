// Package observe provides OpenTelemetry metrics and tracing for the
// companion.
//
// Conversation statistics are mirrored into OTel instruments so they can
// be scraped through the Prometheus bridge set up by [InitProvider].
// Tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/teslashibe/reachy-companion"

// Frame stages recorded by [Metrics.RecordFrames].
const (
	StageCaptured  = "captured"
	StageSent      = "sent"
	StageReceived  = "received"
	StagePlayed    = "played"
	StageDropped   = "dropped"
	StageFlushed   = "flushed"
	StageMalformed = "malformed"
)

// Metrics holds the metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// Frames counts audio frames by pipeline stage. Use with attribute:
	//   attribute.String("stage", ...)
	Frames metric.Int64Counter

	// Interruptions counts barge-ins that flushed playback.
	Interruptions metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// Errors counts task errors. Use with attribute:
	//   attribute.String("task", ...)
	Errors metric.Int64Counter

	// Reconnects counts session replacements.
	Reconnects metric.Int64Counter

	// ActiveSessions tracks open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SendDuration tracks how long a frame spends in Session.Send,
	// retries included.
	SendDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("companion.frames",
		metric.WithDescription("Audio frames by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("companion.interruptions",
		metric.WithDescription("Responses interrupted by the user."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("companion.turns",
		metric.WithDescription("Completed model turns."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("companion.errors",
		metric.WithDescription("Errors by task."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("companion.reconnects",
		metric.WithDescription("Live session reconnects."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("companion.active_sessions",
		metric.WithDescription("Open live sessions."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("companion.send.duration",
		metric.WithDescription("Time to hand a frame to the live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance built from the global
// meter provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrames adds n frames at stage.
func (m *Metrics) RecordFrames(ctx context.Context, stage string, n int64) {
	m.Frames.Add(ctx, n, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordError adds one error attributed to task.
func (m *Metrics) RecordError(ctx context.Context, task string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}
